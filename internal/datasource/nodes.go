package datasource

import (
	"context"
	"fmt"
	"strings"
)

// GroupLister 返回代理组的全部节点及当前节点
type GroupLister interface {
	Group(ctx context.Context, selector string) (all []string, now string, err error)
}

// LoadCandidates 从控制器读取代理组，按关键字筛选候选节点。
// 同时返回当前选中的节点，测试结束后用于切换回去。
func LoadCandidates(ctx context.Context, lister GroupLister, selector string, keywords []string) ([]string, string, error) {
	all, now, err := lister.Group(ctx, selector)
	if err != nil {
		return nil, "", fmt.Errorf("获取代理组 %q 失败: %w", selector, err)
	}
	return FilterNodes(all, keywords), now, nil
}

// FilterNodes 保留名称中包含任一关键字的节点，顺序不变。
// 关键字列表为空时保留全部节点。
func FilterNodes(nodes, keywords []string) []string {
	if len(keywords) == 0 {
		return append([]string(nil), nodes...)
	}
	var filtered []string
	for _, node := range nodes {
		for _, kw := range keywords {
			if kw != "" && strings.Contains(node, kw) {
				filtered = append(filtered, node)
				break
			}
		}
	}
	return filtered
}
