package service

import (
	"context"
	"runtime"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/pkg/logger"
	"llmrelay/internal/pkg/timeutil"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// DashboardOverview 管理端首页聚合块。
type DashboardOverview struct {
	Totals        map[string]int64 `json:"totals"`
	Today         map[string]int64 `json:"today"`
	ActiveKeys    int              `json:"activeKeys"`
	Realtime      RealtimeMetrics  `json:"realtime"`
	System        SystemInfo       `json:"system"`
	GeneratedAt   string           `json:"generatedAt"`
	WindowMinutes int              `json:"windowMinutes"`
}

// RealtimeMetrics 滑动窗口内的请求/token 速率。
type RealtimeMetrics struct {
	RPM         float64 `json:"rpm"`
	TPM         float64 `json:"tpm"`
	Requests    int64   `json:"windowRequests"`
	Tokens      int64   `json:"windowTokens"`
	WindowStart int64   `json:"windowStartMinute"`
}

// SystemInfo 宿主机指标（gopsutil 采样）。
type SystemInfo struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsedMB  uint64  `json:"memoryUsedMb"`
	MemoryTotalMB uint64  `json:"memoryTotalMb"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
}

// DashboardService 管理端仪表盘读路径。
type DashboardService struct {
	usage UsageStore
	cal   *timeutil.Calendar
	cfg   *config.Config
}

func NewDashboardService(usage UsageStore, cal *timeutil.Calendar, cfg *config.Config) *DashboardService {
	return &DashboardService{usage: usage, cal: cal, cfg: cfg}
}

// Overview 组装完整首页数据块。
func (s *DashboardService) Overview(ctx context.Context) (*DashboardOverview, error) {
	now := s.cal.Now()
	date := s.cal.DateString(now)

	totals, err := s.usage.GetGlobalTotals(ctx)
	if err != nil {
		return nil, err
	}
	today, err := s.usage.GetGlobalDaily(ctx, date)
	if err != nil {
		return nil, err
	}
	activeIDs, err := s.usage.ListActiveKeyIDs(ctx, date)
	if err != nil {
		return nil, err
	}
	realtime, err := s.Realtime(ctx)
	if err != nil {
		return nil, err
	}

	return &DashboardOverview{
		Totals:        totals,
		Today:         today,
		ActiveKeys:    len(activeIDs),
		Realtime:      *realtime,
		System:        s.systemInfo(),
		GeneratedAt:   now.Format(time.RFC3339),
		WindowMinutes: s.cfg.System.MetricsWindowMinutes,
	}, nil
}

// Realtime 从分钟指标桶计算窗口内 RPM/TPM。
func (s *DashboardService) Realtime(ctx context.Context) (*RealtimeMetrics, error) {
	window := int64(s.cfg.System.MetricsWindowMinutes)
	nowMinute := time.Now().Unix() / 60
	fromMinute := nowMinute - window + 1

	buckets, err := s.usage.GetMinuteMetrics(ctx, fromMinute, nowMinute)
	if err != nil {
		return nil, err
	}

	var requests, tokens int64
	for _, fields := range buckets {
		requests += fields["requests"]
		tokens += fields["totalTokens"]
	}
	return &RealtimeMetrics{
		RPM:         float64(requests) / float64(window),
		TPM:         float64(tokens) / float64(window),
		Requests:    requests,
		Tokens:      tokens,
		WindowStart: fromMinute,
	}, nil
}

// systemInfo 采样失败的指标置零，不让仪表盘整页报错。
func (s *DashboardService) systemInfo() SystemInfo {
	info := SystemInfo{Goroutines: runtime.NumGoroutine()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info.CPUPercent = percents[0]
	} else if err != nil {
		logger.L().Debug("dashboard: cpu sample failed", zap.Error(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryPercent = vm.UsedPercent
		info.MemoryUsedMB = vm.Used / 1024 / 1024
		info.MemoryTotalMB = vm.Total / 1024 / 1024
	} else {
		logger.L().Debug("dashboard: memory sample failed", zap.Error(err))
	}
	if uptime, err := host.Uptime(); err == nil {
		info.UptimeSeconds = uptime
	}
	return info
}
