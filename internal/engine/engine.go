package engine

import (
	"context"
	"fmt"
	"sort"

	"Proxy_Node_Selector_Go/internal/config"
	"Proxy_Node_Selector_Go/internal/controller"
	"Proxy_Node_Selector_Go/internal/datasource"
	"Proxy_Node_Selector_Go/internal/tester"
	"Proxy_Node_Selector_Go/pkg/model"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// ProgressCallback 是一个用于报告进度的回调函数类型
type ProgressCallback func(message string)

// NodeController 列出代理组节点并切换当前节点
type NodeController interface {
	datasource.GroupLister
	SelectNode(ctx context.Context, selector, node string) (int, error)
}

// LatencyMeasurer 测量一组 URL 的平均延迟
type LatencyMeasurer interface {
	MeasureLatency(ctx context.Context, urls []string) (float64, error)
}

// ThroughputMeasurer 测量一组目标的平均下载速度
type ThroughputMeasurer interface {
	MeasureThroughput(ctx context.Context, targets []model.ThroughputTarget) (float64, error)
}

// Runner 逐个切换候选节点并测速。所有节点依次测试，不并发。
type Runner struct {
	Controller NodeController
	Latency    LatencyMeasurer
	Throughput ThroughputMeasurer

	Selector          string
	Keywords          []string
	LatencyURLs       []string
	ThroughputTargets []model.ThroughputTarget

	Progress ProgressCallback
	Log      zerolog.Logger
}

// Run 根据配置创建控制器客户端和探测器，运行一次完整的节点优选
func Run(ctx context.Context, cfg *config.Config, log zerolog.Logger, progressCb ProgressCallback) ([]model.NodeResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	if progressCb == nil {
		progressCb = func(string) {}
	}

	latency := tester.NewLatencyProbe(tester.EnvProxyResolver{})
	latency.Timeout = config.Seconds(cfg.LatencyTimeout)
	latency.Log = log.With().Str("probe", "latency").Logger()
	latency.OnResult = func(url string, res model.LatencyResult) {
		if res.Success {
			progressCb(fmt.Sprintf("  %-25s  status=%d   latency=%.2f ms", url, res.StatusCode, res.ElapsedMs))
		} else {
			progressCb(fmt.Sprintf("  %-25s  FAILED: %v", url, res.Err))
		}
	}

	throughput := tester.NewThroughputProbe()
	throughput.ConnectTimeout = config.Seconds(cfg.ConnectTimeout)
	throughput.TargetDeadline = config.Seconds(cfg.TargetDeadline)
	throughput.CheckInterval = config.Seconds(cfg.CheckInterval)
	throughput.MinIntervalBytes = int64(cfg.MinIntervalMB * 1024 * 1024)
	throughput.MaxBytes = int64(cfg.MaxDownloadMB * 1024 * 1024)
	throughput.RateLimitMB = cfg.RateLimitMB
	throughput.Log = log.With().Str("probe", "throughput").Logger()
	throughput.OnSample = func(t model.ThroughputTarget, s model.ThroughputSample) {
		if s.TimedOut {
			progressCb(fmt.Sprintf("  %s: [TIMEOUT] %s, 用时 %.2f s, 速度 %.2f MB/s", t.Name, s.Reason, s.ElapsedS, s.SpeedMBps))
			return
		}
		progressCb(fmt.Sprintf("  %s: 用时 %.2f s, 速度 %.2f MB/s, 下载 %s", t.Name, s.ElapsedS, s.SpeedMBps, humanize.IBytes(uint64(s.DownloadedBytes))))
	}

	r := &Runner{
		Controller:        controller.NewClient(cfg.APIBase, cfg.APIKey),
		Latency:           latency,
		Throughput:        throughput,
		Selector:          cfg.SelectorName,
		Keywords:          cfg.Keywords,
		LatencyURLs:       cfg.LatencyTestURLs,
		ThroughputTargets: cfg.ThroughputTargets(),
		Progress:          progressCb,
		Log:               log,
	}
	return r.Run(ctx)
}

// Run 依次测试每个候选节点，结果按下载速度从高到低排序。
// 结束（包括 ctx 被取消）后切换回原来的节点。
func (r *Runner) Run(ctx context.Context) ([]model.NodeResult, error) {
	r.progress("获取节点列表...")
	candidates, original, err := datasource.LoadCandidates(ctx, r.Controller, r.Selector, r.Keywords)
	if err != nil {
		return nil, err
	}
	r.progress(fmt.Sprintf("筛选出 %d 个候选节点，当前节点: %s", len(candidates), original))

	var results []model.NodeResult
	for i, node := range candidates {
		if ctx.Err() != nil {
			break
		}
		r.progress(fmt.Sprintf("[%d/%d] 测试节点: %s", i+1, len(candidates), node))

		res, ok := r.testNode(ctx, node)
		if !ok {
			continue
		}
		results = append(results, res)
	}

	// 按下载速度从高到低排序
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].SpeedMBps > results[j].SpeedMBps
	})

	r.restore(context.WithoutCancel(ctx), original)
	return results, ctx.Err()
}

func (r *Runner) testNode(ctx context.Context, node string) (model.NodeResult, bool) {
	status, err := r.Controller.SelectNode(ctx, r.Selector, node)
	if err != nil {
		r.progress(fmt.Sprintf("切换节点 %s 失败，跳过: %v", node, err))
		return model.NodeResult{}, false
	}
	if controller.IsSwitched(status) {
		r.progress("节点切换成功。")
	} else {
		// 与切换失败时仍继续测试的行为保持一致
		r.progress(fmt.Sprintf("切换节点失败，状态码: %d", status))
	}

	latency, err := r.Latency.MeasureLatency(ctx, r.LatencyURLs)
	if err != nil {
		r.Log.Debug().Str("node", node).Err(err).Msg("latency batch failed")
		r.progress(fmt.Sprintf("节点 %s 延迟测试失败，跳过: %v", node, err))
		return model.NodeResult{}, false
	}
	r.progress(fmt.Sprintf("平均延迟: %.2f ms", latency))

	speed, err := r.Throughput.MeasureThroughput(ctx, r.ThroughputTargets)
	if err != nil {
		r.Log.Debug().Str("node", node).Err(err).Msg("throughput batch failed")
		r.progress(fmt.Sprintf("节点 %s 下载测试失败，跳过: %v", node, err))
		return model.NodeResult{}, false
	}
	r.progress(fmt.Sprintf("平均速度: %.2f MB/s", speed))

	return model.NodeResult{Node: node, LatencyMs: latency, SpeedMBps: speed}, true
}

// restore 切换回测试前的节点
func (r *Runner) restore(ctx context.Context, original string) {
	if original == "" {
		return
	}
	r.progress(fmt.Sprintf("切换回原节点: %s", original))
	status, err := r.Controller.SelectNode(ctx, r.Selector, original)
	switch {
	case err != nil:
		r.Log.Warn().Str("node", original).Err(err).Msg("switch back failed")
		r.progress(fmt.Sprintf("切换回原节点失败: %v", err))
	case controller.IsSwitched(status):
		r.progress("已切换回原节点。")
	default:
		r.progress(fmt.Sprintf("切换回原节点失败，状态码: %d", status))
	}
}

func (r *Runner) progress(msg string) {
	if r.Progress != nil {
		r.Progress(msg)
	}
}
