package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"OpenMCP-Pilot/internal/discovery"
)

// clockAddress 是内置示例提供方的地址，别名为 clock。
var clockAddress = discovery.Address{Package: "dev.pilot.clock", Component: "ClockProvider"}

// clockTools 返回示例提供方的工具：查询时间与计算日期差。
func clockTools(now func() time.Time) []discovery.ServedTool {
	return []discovery.ServedTool{
		{
			Spec: discovery.ToolSpec{
				Name:        "now",
				Description: "Return the current date and time, optionally in an IANA time zone such as Europe/Paris.",
				Parameters:  `{"type":"object","properties":{"zone":{"type":"string","description":"IANA time zone name"}}}`,
			},
			Func: func(_ context.Context, args map[string]any) (string, error) {
				t := now()
				if zone := strings.TrimSpace(cast.ToString(args["zone"])); zone != "" {
					loc, err := time.LoadLocation(zone)
					if err != nil {
						return "", fmt.Errorf("unknown time zone %q", zone)
					}
					t = t.In(loc)
				}
				return t.Format("Monday, 2006-01-02 15:04:05 MST"), nil
			},
		},
		{
			Spec: discovery.ToolSpec{
				Name:        "days_until",
				Description: "Count whole days from today until the given date (YYYY-MM-DD).",
				Parameters:  `{"type":"object","properties":{"date":{"type":"string","description":"Target date, YYYY-MM-DD"}},"required":["date"]}`,
			},
			Func: func(_ context.Context, args map[string]any) (string, error) {
				raw := strings.TrimSpace(cast.ToString(args["date"]))
				target, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
				if err != nil {
					return "", fmt.Errorf("invalid date %q", raw)
				}
				y, m, d := now().UTC().Date()
				today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
				return fmt.Sprintf("%d days", int(target.Sub(today).Hours()/24)), nil
			},
		},
	}
}
