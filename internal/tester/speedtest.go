package tester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"Proxy_Node_Selector_Go/pkg/model"

	"github.com/VividCortex/ewma"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultTargetDeadline   = 60 * time.Second
	DefaultChunkSize        = 16 * 1024
	DefaultCheckInterval    = 3 * time.Second
	DefaultMinIntervalBytes = 3 * 1024 * 1024
	DefaultMaxBytes         = 10 * 1024 * 1024
	DefaultSpeedUserAgent   = "speedtest/1.0"

	bytesPerMB = 1024 * 1024
)

// ThroughputProbe 测量持续下载速度。
// 只做直连，不读取代理环境变量。
type ThroughputProbe struct {
	ConnectTimeout time.Duration
	// TargetDeadline 限制单个目标（连接+下载+检查）的总时长
	TargetDeadline   time.Duration
	ChunkSize        int
	CheckInterval    time.Duration
	MinIntervalBytes int64
	MaxBytes         int64
	UserAgent        string
	// RateLimitMB 大于 0 时限制下载速度（MB/s）
	RateLimitMB float64
	Log         zerolog.Logger
	// OnSample 在每个目标测试完成后调用
	OnSample func(target model.ThroughputTarget, sample model.ThroughputSample)

	transport http.RoundTripper
	now       func() time.Time
}

// NewThroughputProbe 使用默认参数创建下载测速器
func NewThroughputProbe() *ThroughputProbe {
	return &ThroughputProbe{
		ConnectTimeout:   DefaultConnectTimeout,
		TargetDeadline:   DefaultTargetDeadline,
		ChunkSize:        DefaultChunkSize,
		CheckInterval:    DefaultCheckInterval,
		MinIntervalBytes: DefaultMinIntervalBytes,
		MaxBytes:         DefaultMaxBytes,
		UserAgent:        DefaultSpeedUserAgent,
		Log:              zerolog.Nop(),
		now:              time.Now,
	}
}

// MeasureThroughput 依次测试每个目标并返回平均速度（MB/s）。
// 传输错误或速度低于下限都会中止整个批次。
func (p *ThroughputProbe) MeasureThroughput(ctx context.Context, targets []model.ThroughputTarget) (float64, error) {
	if len(targets) == 0 {
		return 0, ErrNoTargets
	}

	speeds := make([]float64, 0, len(targets))
	for _, t := range targets {
		sample, err := p.Download(ctx, t)
		if err != nil {
			return 0, &TargetError{Target: t.URL, Kind: ErrThroughputFailed, Err: err}
		}
		if p.OnSample != nil {
			p.OnSample(t, sample)
		}
		if sample.TimedOut {
			return 0, &LivenessError{Target: t, Sample: sample}
		}
		speeds = append(speeds, sample.SpeedMBps)
	}
	return averageSpeeds(speeds), nil
}

// averageSpeeds 返回平均速度，保留两位小数
func averageSpeeds(speeds []float64) float64 {
	if len(speeds) == 0 {
		return 0
	}
	var sum float64
	for _, s := range speeds {
		sum += s
	}
	return round2(sum / float64(len(speeds)))
}

// Download 对单个目标进行下载测速。
// 返回 error 表示传输失败；返回的样本 TimedOut 为真表示速度低于下限被提前终止。
func (p *ThroughputProbe) Download(ctx context.Context, target model.ThroughputTarget) (model.ThroughputSample, error) {
	deadline := p.TargetDeadline
	if deadline <= 0 {
		deadline = DefaultTargetDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return model.ThroughputSample{}, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", p.UserAgent)

	startTime := p.clock()

	client := &http.Client{Transport: p.roundTripper()}
	response, err := client.Do(req)
	if err != nil {
		return model.ThroughputSample{}, fmt.Errorf("请求失败: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return model.ThroughputSample{}, fmt.Errorf("无效的状态码: %d", response.StatusCode)
	}

	// 如果设置了速率限制，则创建限速器
	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var limiter *rate.Limiter
	if p.RateLimitMB > 0 {
		limit := p.RateLimitMB * bytesPerMB
		burst := int(limit)
		if burst < chunkSize {
			burst = chunkSize
		}
		limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}

	var (
		buffer        = make([]byte, chunkSize)
		totalBytes    int64
		intervalBytes int64
		intervalStart = startTime
		lastChunk     = startTime
		smoothed      = ewma.NewMovingAverage()
	)

	for p.MaxBytes <= 0 || totalBytes < p.MaxBytes {
		if limiter != nil {
			if err := limiter.WaitN(ctx, chunkSize); err != nil {
				return model.ThroughputSample{}, fmt.Errorf("限速等待失败: %w", err)
			}
		}

		n, err := io.ReadFull(response.Body, buffer)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			return model.ThroughputSample{}, fmt.Errorf("读取数据失败: %w", err)
		}
		if n == 0 {
			break
		}

		totalBytes += int64(n)
		intervalBytes += int64(n)
		now := p.clock()

		if dt := now.Sub(lastChunk).Seconds(); dt > 0 {
			smoothed.Add(float64(n) / bytesPerMB / dt)
		}
		lastChunk = now

		// 每个检查周期判断一次下载量是否达到下限
		if intervalElapsed := now.Sub(intervalStart); intervalElapsed >= p.checkInterval() {
			if intervalBytes < p.MinIntervalBytes {
				sample := model.ThroughputSample{
					TimedOut: true,
					Reason: fmt.Sprintf("Downloaded < %.1f MB in %.1fs",
						float64(p.MinIntervalBytes)/bytesPerMB, p.checkInterval().Seconds()),
					SpeedMBps:       round2(float64(intervalBytes) / bytesPerMB / intervalElapsed.Seconds()),
					ElapsedS:        round2(now.Sub(startTime).Seconds()),
					DownloadedBytes: totalBytes,
					SmoothedMBps:    round2(smoothed.Value()),
				}
				p.Log.Debug().Str("target", target.Name).Str("reason", sample.Reason).Msg("throughput below floor")
				return sample, nil
			}
			intervalBytes = 0
			intervalStart = now
		}

		if eof {
			break
		}
	}

	elapsed := p.clock().Sub(startTime).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(totalBytes) / bytesPerMB / elapsed
	}
	return model.ThroughputSample{
		TimedOut:        false,
		SpeedMBps:       round2(speed),
		ElapsedS:        round2(elapsed),
		DownloadedMB:    round2(float64(totalBytes) / bytesPerMB),
		DownloadedBytes: totalBytes,
		SmoothedMBps:    round2(smoothed.Value()),
	}, nil
}

func (p *ThroughputProbe) checkInterval() time.Duration {
	if p.CheckInterval <= 0 {
		return DefaultCheckInterval
	}
	return p.CheckInterval
}

// roundTripper 每次测速使用新的 Transport，不复用连接，也不走代理
func (p *ThroughputProbe) roundTripper() http.RoundTripper {
	if p.transport != nil {
		return p.transport
	}
	connectTimeout := p.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &http.Transport{
		Proxy:               nil,
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		DisableKeepAlives:   true,
	}
}

func (p *ThroughputProbe) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}
