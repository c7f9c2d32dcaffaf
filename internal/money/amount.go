// Package money 提供 8 位小数精度的定点金额类型，余额与交易金额都使用它表示。
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scale 是金额的小数位数。
const Scale = 8

// unitsPerCoin 是 1 个整币对应的最小单位数量。
const unitsPerCoin int64 = 100_000_000

// Amount 以最小单位（1e-8）计数的有符号金额。
type Amount int64

// Zero 表示零金额。
const Zero Amount = 0

// FromUnits 使用最小单位构造金额。
func FromUnits(units int64) Amount { return Amount(units) }

// Units 返回最小单位数量。
func (a Amount) Units() int64 { return int64(a) }

// Parse 解析形如 "-12.5"、"0.00000001" 的十进制字符串，超过 8 位小数视为错误。
func Parse(raw string) (Amount, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("金额为空")
	}
	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if intPart == "" && (!hasDot || fracPart == "") {
		return 0, fmt.Errorf("无效金额 %q", raw)
	}
	if len(fracPart) > Scale {
		return 0, fmt.Errorf("金额 %q 超过 %d 位小数", raw, Scale)
	}
	if intPart == "" {
		intPart = "0"
	}
	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil || whole < 0 {
		return 0, fmt.Errorf("无效金额 %q", raw)
	}
	var frac int64
	if fracPart != "" {
		padded := fracPart + strings.Repeat("0", Scale-len(fracPart))
		frac, err = strconv.ParseInt(padded, 10, 64)
		if err != nil || frac < 0 {
			return 0, fmt.Errorf("无效金额 %q", raw)
		}
	}
	if whole > (math.MaxInt64-frac)/unitsPerCoin {
		return 0, fmt.Errorf("金额 %q 超出范围", raw)
	}
	units := whole*unitsPerCoin + frac
	if negative {
		units = -units
	}
	return Amount(units), nil
}

// MustParse 用于常量与测试，解析失败时 panic。
func MustParse(raw string) Amount {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// FromFloat 将浮点数四舍五入到 8 位小数，主要用于解析大模型给出的 JSON 数字。
func FromFloat(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("无效金额 %v", f)
	}
	scaled := math.Round(f * float64(unitsPerCoin))
	if scaled > math.MaxInt64 || scaled < math.MinInt64 {
		return 0, fmt.Errorf("金额 %v 超出范围", f)
	}
	return Amount(int64(scaled)), nil
}

// FromAny 解析 payload 中的数值字段，兼容字符串与 JSON 数字。
func FromAny(v any) (Amount, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case Amount:
		return val, nil
	case string:
		return Parse(val)
	case float64:
		return FromFloat(val)
	case float32:
		return FromFloat(float64(val))
	case int:
		return FromFloat(float64(val))
	case int64:
		return FromFloat(float64(val))
	case json.Number:
		return Parse(val.String())
	default:
		return 0, fmt.Errorf("不支持的金额类型 %T", v)
	}
}

// Add 返回两个金额之和。
func (a Amount) Add(b Amount) Amount { return a + b }

// Neg 返回相反数。
func (a Amount) Neg() Amount { return -a }

// IsNegative 判断金额是否小于零。
func (a Amount) IsNegative() bool { return a < 0 }

// IsPositive 判断金额是否大于零。
func (a Amount) IsPositive() bool { return a > 0 }

// String 以固定 8 位小数输出。
func (a Amount) String() string {
	units := int64(a)
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	return fmt.Sprintf("%s%d.%08d", sign, units/unitsPerCoin, units%unitsPerCoin)
}

// Signed 为非负金额补上 "+" 前缀。
func (a Amount) Signed() string {
	if a >= 0 {
		return "+" + a.String()
	}
	return a.String()
}

// MarshalJSON 以字符串输出，避免浮点精度丢失。
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON 同时接受字符串与数字。
func (a *Amount) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = 0
		return nil
	}
	var raw any
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalYAML 以字符串输出。
func (a Amount) MarshalYAML() (any, error) { return a.String(), nil }

// UnmarshalYAML 解析配置文件中的金额。
func (a *Amount) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value 实现 driver.Valuer，数据库中以最小单位的 BIGINT 存储。
func (a Amount) Value() (driver.Value, error) { return int64(a), nil }

// Scan 实现 sql.Scanner。
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*a = Amount(v)
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("解析金额列失败: %w", err)
		}
		*a = Amount(n)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("解析金额列失败: %w", err)
		}
		*a = Amount(n)
	case nil:
		*a = 0
	default:
		return fmt.Errorf("不支持的金额列类型 %T", src)
	}
	return nil
}
