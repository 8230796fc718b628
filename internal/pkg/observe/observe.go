package observe

import (
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Sink 是管线使用的观测性出口：异常捕获和带级别的消息上报。
//
// 抓取阶段用它上报过期数据告警，队列用它上报最终失败的任务。
type Sink interface {
	CaptureException(err error, tags map[string]string)
	CaptureMessage(text string, level string)
}

// SentrySink 将事件送往 Sentry；DSN 为空时退化为仅写日志。
type SentrySink struct {
	logger  *slog.Logger
	enabled bool
}

// NewSentrySink 初始化 Sentry SDK 并返回 Sink。
//
// dsn 为空时不报错，返回的 Sink 只写本地日志。
func NewSentrySink(dsn, environment string, logger *slog.Logger) (*SentrySink, error) {
	s := &SentrySink{logger: logger}
	if dsn == "" {
		return s, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		TracesSampleRate: 0.1,
	}); err != nil {
		return nil, err
	}
	s.enabled = true
	return s, nil
}

func (s *SentrySink) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	if s.logger != nil {
		attrs := make([]any, 0, 2+2*len(tags))
		attrs = append(attrs, slog.String("error", err.Error()))
		for k, v := range tags {
			attrs = append(attrs, slog.String(k, v))
		}
		s.logger.Error("captured exception", attrs...)
	}
	if !s.enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

func (s *SentrySink) CaptureMessage(text string, level string) {
	if s.logger != nil {
		switch level {
		case "warning":
			s.logger.Warn(text)
		case "error":
			s.logger.Error(text)
		default:
			s.logger.Info(text)
		}
	}
	if !s.enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.Level(level))
		sentry.CaptureMessage(text)
	})
}

// Flush 在进程退出前冲刷未发送的事件。
func (s *SentrySink) Flush(timeout time.Duration) {
	if s.enabled {
		sentry.Flush(timeout)
	}
}
