package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"Proxy_Node_Selector_Go/pkg/model"
)

// WriteCSVFile 将最终结果列表写入到指定的 CSV 文件中
func WriteCSVFile(filePath string, results []model.NodeResult) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建 CSV 文件 '%s': %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// 写入表头
	header := []string{
		"Rank",
		"Node",
		"Download Speed (MB/s)",
		"Latency (ms)",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入 CSV 表头失败: %w", err)
	}

	// 写入数据行
	for i, r := range results {
		row := []string{
			strconv.Itoa(i + 1),
			r.Node,
			fmt.Sprintf("%.2f", r.SpeedMBps),
			fmt.Sprintf("%.2f", r.LatencyMs),
		}
		if err := writer.Write(row); err != nil {
			// 记录错误但继续尝试写入其他行
			fmt.Fprintf(os.Stderr, "警告: 写入 CSV 行失败: %v\n", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
