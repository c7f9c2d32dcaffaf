// Package cycle 驱动智能体的决策周期：构建上下文、调用预言机、校验并应用输出。
// 周期以作业形式经队列分发，同一智能体同一时刻至多一个周期在执行。
package cycle
