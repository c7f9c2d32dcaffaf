// Package storage defines the persisted model of the population (agents,
// transactions, requests and log entries) and the Store contract that the
// lifecycle and economy services run on. Implementations live in the
// memory and sqlstore subpackages.
package storage
