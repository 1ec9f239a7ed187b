package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/justicevae/votewatch/db"
)

// 事件回放得到的单地址结果
type EventWeight struct {
	Address          string `json:"address"`
	Weight           string `json:"weight"`
	UniqueDelegators int    `json:"uniqueDelegators"`
	DelegatorPercent string `json:"delegatorPercent"`
}

// EventReplayWeight 累加 toDelegate 匹配的所有事件的变化量
func EventReplayWeight(events []db.DelegationEvent, address string, decimals uint8) string {
	address = strings.ToLower(address)
	var sum float64
	for _, e := range events {
		if e.AmountDelegatedChanged == nil || strings.ToLower(e.ToDelegate) != address {
			continue
		}
		sum += *e.AmountDelegatedChanged
	}
	return FormatAmount(sum, decimals)
}

// ReplayEvents 一次遍历计算所有地址的回放权重与委托人统计
// 委托人只来自完整事件
func ReplayEvents(events []db.DelegationEvent, decimals uint8) map[string]EventWeight {
	sums := make(map[string]float64)
	delegators := make(map[string]map[string]struct{})
	allDelegators := make(map[string]struct{})

	for _, e := range events {
		addr := strings.ToLower(e.ToDelegate)
		if e.AmountDelegatedChanged != nil {
			sums[addr] += *e.AmountDelegatedChanged
		} else if _, ok := sums[addr]; !ok {
			sums[addr] = 0
		}
		if !e.Complete() {
			continue
		}
		d := strings.ToLower(*e.Delegator)
		if delegators[addr] == nil {
			delegators[addr] = make(map[string]struct{})
		}
		delegators[addr][d] = struct{}{}
		allDelegators[d] = struct{}{}
	}

	total := len(allDelegators)
	out := make(map[string]EventWeight, len(sums))
	for addr, sum := range sums {
		count := len(delegators[addr])
		out[addr] = EventWeight{
			Address:          addr,
			Weight:           FormatAmount(sum, decimals),
			UniqueDelegators: count,
			DelegatorPercent: percent(count, total),
		}
	}
	return out
}

// TotalDelegators 完整事件中不同委托人数量
func TotalDelegators(events []db.DelegationEvent) int {
	seen := make(map[string]struct{})
	for _, e := range events {
		if e.Complete() {
			seen[strings.ToLower(*e.Delegator)] = struct{}{}
		}
	}
	return len(seen)
}

// EventDelegates 两个分区中出现过的 toDelegate，排序去重
func EventDelegates(events []db.DelegationEvent) []string {
	seen := make(map[string]struct{})
	for _, e := range events {
		seen[strings.ToLower(e.ToDelegate)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func percent(part, total int) string {
	if total == 0 {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", float64(part)*100/float64(total))
}
