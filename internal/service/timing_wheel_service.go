package service

import (
	"fmt"
	"sync"
	"time"

	"llmrelay/internal/pkg/logger"

	"github.com/zeromicro/go-zero/core/collection"
)

var newTimingWheel = collection.NewTimingWheel

// TimingWheelService 进程内延时任务（账号限流自动解除、temp_error 恢复等）。
type TimingWheelService struct {
	tw       *collection.TimingWheel
	stopOnce sync.Once
}

func NewTimingWheelService() (*TimingWheelService, error) {
	// 1 秒刻度 × 3600 槽，最长支持 1 小时延时；超过的任务由任务方分段续排
	tw, err := newTimingWheel(1*time.Second, 3600, func(key, value any) {
		if fn, ok := value.(func()); ok {
			fn()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create timing wheel: %w", err)
	}
	return &TimingWheelService{tw: tw}, nil
}

// Stop 停止时间轮，未触发的任务全部丢弃。
func (s *TimingWheelService) Stop() {
	s.stopOnce.Do(func() {
		s.tw.Stop()
		logger.L().Info("timing wheel stopped")
	})
}

// Schedule 注册一次性延时任务。同名任务后注册的覆盖先注册的。
func (s *TimingWheelService) Schedule(name string, delay time.Duration, fn func()) {
	_ = s.tw.SetTimer(name, fn, delay)
}

// ScheduleRecurring 注册周期任务（执行后自动续排）。
func (s *TimingWheelService) ScheduleRecurring(name string, interval time.Duration, fn func()) {
	var schedule func()
	schedule = func() {
		fn()
		_ = s.tw.SetTimer(name, schedule, interval)
	}
	_ = s.tw.SetTimer(name, schedule, interval)
}

// Cancel 取消尚未触发的任务。
func (s *TimingWheelService) Cancel(name string) {
	_ = s.tw.RemoveTimer(name)
}
