package service

import (
	"fmt"
	"math/big"
	"strings"
)

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// FormatUnits 最小单位 -> 两位小数字符串，四舍五入（远离零）
func FormatUnits(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0.00"
	}
	abs := new(big.Int).Abs(raw)
	scaled := new(big.Int).Mul(abs, big.NewInt(100))
	divisor := pow10(decimals)

	cents, rem := new(big.Int).QuoRem(scaled, divisor, new(big.Int))
	if rem.Mul(rem, big.NewInt(2)).Cmp(divisor) >= 0 {
		cents.Add(cents, big.NewInt(1))
	}
	if raw.Sign() < 0 {
		cents.Neg(cents)
	}
	return FormatCents(cents)
}

// FormatCents 分 -> "x.yy"
func FormatCents(cents *big.Int) string {
	sign := ""
	abs := new(big.Int).Set(cents)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	whole, frac := new(big.Int).QuoRem(abs, big.NewInt(100), new(big.Int))
	return fmt.Sprintf("%s%s.%02d", sign, whole.String(), frac.Int64())
}

// ToBaseUnits 浮点数量只换算一次为整数最小单位，保留符号
func ToBaseUnits(amount float64, decimals uint8) *big.Int {
	f := new(big.Float).SetPrec(256).SetFloat64(amount)
	f.Mul(f, new(big.Float).SetPrec(256).SetInt(pow10(decimals)))
	half := big.NewFloat(0.5)
	if f.Sign() < 0 {
		f.Sub(f, half)
	} else {
		f.Add(f, half)
	}
	out, _ := f.Int(nil)
	return out
}

// FormatAmount 浮点数量 -> 两位小数字符串
func FormatAmount(amount float64, decimals uint8) string {
	return FormatUnits(ToBaseUnits(amount, decimals), decimals)
}

// ParseCents 解析 "x.yy" 形式的权重为分
func ParseCents(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return nil, fmt.Errorf("amount %q has more than two decimals", s)
	}
	frac += strings.Repeat("0", 2-len(frac))

	cents, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || strings.ContainsAny(whole+frac, "+-") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if neg {
		cents.Neg(cents)
	}
	return cents, nil
}

// toleranceCents 0.01 -> 1
func toleranceCents(tolerance float64) *big.Int {
	return ToBaseUnits(tolerance, 2)
}

// withinTolerance |a - b| <= tol（单位：分）
func withinTolerance(a, b string, tol *big.Int) (bool, *big.Int, error) {
	ac, err := ParseCents(a)
	if err != nil {
		return false, nil, err
	}
	bc, err := ParseCents(b)
	if err != nil {
		return false, nil, err
	}
	diff := new(big.Int).Sub(ac, bc)
	diff.Abs(diff)
	return diff.Cmp(tol) <= 0, diff, nil
}
