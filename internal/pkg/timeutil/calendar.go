// Package timeutil 提供统计口径的时区与周期计算。
//
// 所有用量桶（日/小时/月/ISO 周/自定义周期）都按配置的固定 UTC 偏移切分，
// 与宿主机时区无关。
package timeutil

import (
	"fmt"
	"time"
)

// Calendar 以固定 UTC 偏移渲染各粒度的桶字符串。
type Calendar struct {
	loc *time.Location
}

func NewCalendar(offsetHours int) *Calendar {
	name := fmt.Sprintf("UTC%+d", offsetHours)
	return &Calendar{loc: time.FixedZone(name, offsetHours*3600)}
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) Now() time.Time {
	return time.Now().In(c.loc)
}

// DateString 返回 YYYY-MM-DD。
func (c *Calendar) DateString(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// HourString 返回 YYYY-MM-DD:HH。
func (c *Calendar) HourString(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02:15")
}

// MonthString 返回 YYYY-MM。
func (c *Calendar) MonthString(t time.Time) string {
	return t.In(c.loc).Format("2006-01")
}

// ISOWeekString 返回 YYYY-Www（ISO 8601 周，如 2026-W35）。
func (c *Calendar) ISOWeekString(t time.Time) string {
	year, week := t.In(c.loc).ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// PeriodStart 返回 t 所在滚动周期的起点。
//
// resetDay 为 ISO 星期（1=周一 … 7=周日），resetHour 为 0-23；
// 起点是不晚于 t 的最近一个「resetDay 的 resetHour 整点」。
func (c *Calendar) PeriodStart(t time.Time, resetDay, resetHour int) time.Time {
	if resetDay < 1 || resetDay > 7 {
		resetDay = 1
	}
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}

	lt := t.In(c.loc)
	isoWeekday := int(lt.Weekday())
	if isoWeekday == 0 {
		isoWeekday = 7 // time.Sunday == 0
	}

	daysBack := isoWeekday - resetDay
	if daysBack < 0 {
		daysBack += 7
	}
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), resetHour, 0, 0, 0, c.loc).
		AddDate(0, 0, -daysBack)
	if start.After(lt) {
		start = start.AddDate(0, 0, -7)
	}
	return start
}

// PeriodString 返回周期标识（周期起点的 YYYY-MM-DD）。
func (c *Calendar) PeriodString(t time.Time, resetDay, resetHour int) string {
	return c.PeriodStart(t, resetDay, resetHour).Format("2006-01-02")
}
