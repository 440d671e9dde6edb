package tester

import (
	"errors"
	"fmt"

	"Proxy_Node_Selector_Go/pkg/model"
)

var (
	// ErrNoTargets 表示批次中没有任何目标
	ErrNoTargets = errors.New("no targets")
	// ErrLatencyFailed 表示延迟批次因某个目标失败而中止
	ErrLatencyFailed = errors.New("latency test failed")
	// ErrThroughputFailed 表示下载批次因传输错误而中止
	ErrThroughputFailed = errors.New("throughput test failed")
	// ErrLivenessTimeout 表示下载速度在检查周期内低于下限
	ErrLivenessTimeout = errors.New("throughput below liveness floor")
)

// TargetError 记录导致批次中止的目标及底层错误
type TargetError struct {
	Target string
	Kind   error // ErrLatencyFailed 或 ErrThroughputFailed
	Err    error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Target, e.Err)
}

func (e *TargetError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// LivenessError 携带超时目标的测速样本
type LivenessError struct {
	Target model.ThroughputTarget
	Sample model.ThroughputSample
}

func (e *LivenessError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Target.Name, e.Target.URL, e.Sample.Reason)
}

func (e *LivenessError) Is(target error) bool {
	return target == ErrLivenessTimeout
}
