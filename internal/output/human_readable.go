package output

import (
	"fmt"
	"strings"

	"Proxy_Node_Selector_Go/pkg/model"

	"github.com/dustin/go-humanize"
)

// HumanReadableResult 定义了一个对人类友好的、用于最终文件输出的数据结构
type HumanReadableResult struct {
	Rank              int     `json:"Rank"`
	Node              string  `json:"Node"`
	DownloadSpeedMBps float64 `json:"DownloadSpeedMBps"` // 下载速度 (MB/s)
	LatencyMS         float64 `json:"LatencyMS"`         // 延迟 (毫秒)
	DownloadSpeed     string  `json:"DownloadSpeed"`     // 例如 "12 MiB/s"
}

// ToHumanReadable 将引擎的原始结果转换为对人类友好的格式
func ToHumanReadable(results []model.NodeResult) []HumanReadableResult {
	humanResults := make([]HumanReadableResult, len(results))
	for i, r := range results {
		humanResults[i] = HumanReadableResult{
			Rank:              i + 1,
			Node:              r.Node,
			DownloadSpeedMBps: r.SpeedMBps,
			LatencyMS:         r.LatencyMs,
			DownloadSpeed:     humanize.IBytes(uint64(r.SpeedMBps*1024*1024)) + "/s",
		}
	}
	return humanResults
}

// FormatTable 生成控制台输出的结果表
func FormatTable(results []model.NodeResult) string {
	var b strings.Builder
	b.WriteString("|==========================================================|\n")
	b.WriteString("|========================= Results ========================|\n")
	b.WriteString("|==========================================================|\n")
	if len(results) == 0 {
		b.WriteString("没有节点通过测试。\n")
		return b.String()
	}
	for _, r := range ToHumanReadable(results) {
		fmt.Fprintf(&b, "%s\tNode: %s\t\tSpeed: %s MB/s\tLatency: %s ms\n",
			humanize.Ordinal(r.Rank), r.Node,
			humanize.FormatFloat("#,###.##", r.DownloadSpeedMBps),
			humanize.FormatFloat("#,###.##", r.LatencyMS))
	}
	return b.String()
}
