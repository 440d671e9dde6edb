package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"Proxy_Node_Selector_Go/internal/config"
	"Proxy_Node_Selector_Go/internal/engine"
	"Proxy_Node_Selector_Go/internal/logging"
	"Proxy_Node_Selector_Go/internal/output"
	"Proxy_Node_Selector_Go/internal/server"

	"github.com/rs/zerolog"
)

//go:embed default_config.yaml
var defaultConfigData []byte

// ensureFile 检查文件是否存在于可执行文件目录，如果不存在，则使用提供的默认数据创建它。
func ensureFile(fileName string, defaultData []byte, log zerolog.Logger) (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("无法获取可执行文件路径: %w", err)
	}
	exeDir := filepath.Dir(exePath)
	filePath := filepath.Join(exeDir, fileName)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := os.WriteFile(filePath, defaultData, 0644); err != nil {
			return "", fmt.Errorf("无法写入默认文件 %s: %w", fileName, err)
		}
		log.Info().Msgf("首次运行，已在 %s 生成默认 %s 文件", exeDir, fileName)
	} else if err != nil {
		return "", fmt.Errorf("检查文件 %s 时出错: %w", fileName, err)
	}
	return filePath, nil
}

func main() {
	// 定义命令行标志
	cliMode := flag.Bool("cli", false, "以命令行模式运行")
	cfgFlag := flag.String("config", "", "配置文件路径（默认为可执行文件目录下的 config.yaml）")
	port := flag.Int("port", 8080, "Web 模式监听端口")
	flag.Parse()

	bootLog := logging.New(os.Stderr, "info")

	cfgPath := *cfgFlag
	if cfgPath == "" {
		var err error
		cfgPath, err = ensureFile("config.yaml", defaultConfigData, bootLog)
		if err != nil {
			bootLog.Fatal().Err(err).Msg("初始化配置文件失败")
		}
	}
	outDir := filepath.Dir(cfgPath)

	if *cliMode {
		// --- 命令行模式 ---
		os.Exit(runCli(cfgPath, outDir))
	}
	// --- Web 服务器模式 (默认) ---
	server.Start(*port, cfgPath, outDir, bootLog)
}

// runCli 运行一次节点优选并把结果写入文件，返回进程退出码
func runCli(cfgPath, outDir string) int {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		errLog := logging.New(os.Stderr, "info")
		errLog.Error().Err(err).Str("path", cfgPath).Msg("加载配置文件失败")
		return 1
	}
	log := logging.New(os.Stderr, cfg.LogLevel)
	log.Info().
		Str("api_base", cfg.APIBase).
		Str("selector", cfg.SelectorName).
		Strs("keywords", cfg.Keywords).
		Int("latency_urls", len(cfg.LatencyTestURLs)).
		Int("download_urls", len(cfg.DownloadSpeedTestURLs)).
		Msg("配置加载成功")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progressCallback := func(message string) {
		fmt.Println(message)
	}

	results, err := engine.Run(ctx, cfg, log, progressCallback)
	if err != nil && results == nil {
		log.Error().Err(err).Msg("运行出错")
		return 1
	}
	if err != nil {
		log.Warn().Err(err).Msg("运行被中断，输出已完成节点的结果")
	}

	fmt.Print("\n\n" + output.FormatTable(results))

	resultJSONFile := filepath.Join(outDir, "result.json")
	resultCSVFile := filepath.Join(outDir, "result.csv")
	if err := output.WriteJSONFile(resultJSONFile, results); err != nil {
		log.Error().Err(err).Msg("写入 result.json 失败")
		return 1
	}
	if err := output.WriteCSVFile(resultCSVFile, results); err != nil {
		log.Error().Err(err).Msg("写入 result.csv 失败")
		return 1
	}
	log.Info().Msgf("结果已成功写入 %s 和 %s", resultJSONFile, resultCSVFile)
	return 0
}
