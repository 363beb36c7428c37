package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// 时长字段在 JSON 中使用 "1s" / "5m" / "720h" 形式的字符串。

func parseDuration(name, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", name, err)
	}
	*dst = d
	return nil
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (s *SpiderConfig) UnmarshalJSON(data []byte) error {
	type Alias SpiderConfig
	aux := &struct {
		RequestDelay  string `json:"request_delay"`
		RequestJitter string `json:"request_jitter"`
		RetryWait     string `json:"retry_wait"`
		Timeout       string `json:"timeout"`
		SeenCacheTTL  string `json:"seen_cache_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		v    string
		dst  *time.Duration
	}{
		{"request_delay", aux.RequestDelay, &s.RequestDelay},
		{"request_jitter", aux.RequestJitter, &s.RequestJitter},
		{"retry_wait", aux.RetryWait, &s.RetryWait},
		{"timeout", aux.Timeout, &s.Timeout},
		{"seen_cache_ttl", aux.SeenCacheTTL, &s.SeenCacheTTL},
	} {
		if err := parseDuration(f.name, f.v, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON 时长输出为字符串。
func (s SpiderConfig) MarshalJSON() ([]byte, error) {
	type Alias SpiderConfig
	return json.Marshal(&struct {
		RequestDelay  string `json:"request_delay"`
		RequestJitter string `json:"request_jitter"`
		RetryWait     string `json:"retry_wait"`
		Timeout       string `json:"timeout"`
		SeenCacheTTL  string `json:"seen_cache_ttl"`
		Alias
	}{
		RequestDelay:  formatDuration(s.RequestDelay),
		RequestJitter: formatDuration(s.RequestJitter),
		RetryWait:     formatDuration(s.RetryWait),
		Timeout:       formatDuration(s.Timeout),
		SeenCacheTTL:  formatDuration(s.SeenCacheTTL),
		Alias:         Alias(s),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (s *ScheduleConfig) UnmarshalJSON(data []byte) error {
	type Alias ScheduleConfig
	aux := &struct {
		RetryBackoff        string `json:"retry_backoff"`
		PollInterval        string `json:"poll_interval"`
		MaintenanceInterval string `json:"maintenance_interval"`
		TaskRetention       string `json:"task_retention"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("retry_backoff", aux.RetryBackoff, &s.RetryBackoff); err != nil {
		return err
	}
	if err := parseDuration("poll_interval", aux.PollInterval, &s.PollInterval); err != nil {
		return err
	}
	if err := parseDuration("maintenance_interval", aux.MaintenanceInterval, &s.MaintenanceInterval); err != nil {
		return err
	}
	return parseDuration("task_retention", aux.TaskRetention, &s.TaskRetention)
}

// MarshalJSON 时长输出为字符串。
func (s ScheduleConfig) MarshalJSON() ([]byte, error) {
	type Alias ScheduleConfig
	return json.Marshal(&struct {
		RetryBackoff        string `json:"retry_backoff"`
		PollInterval        string `json:"poll_interval"`
		MaintenanceInterval string `json:"maintenance_interval"`
		TaskRetention       string `json:"task_retention"`
		Alias
	}{
		RetryBackoff:        formatDuration(s.RetryBackoff),
		PollInterval:        formatDuration(s.PollInterval),
		MaintenanceInterval: formatDuration(s.MaintenanceInterval),
		TaskRetention:       formatDuration(s.TaskRetention),
		Alias:               Alias(s),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout string `json:"page_timeout"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDuration("page_timeout", aux.PageTimeout, &b.PageTimeout)
}

// MarshalJSON 时长输出为字符串。
func (b BrowserConfig) MarshalJSON() ([]byte, error) {
	type Alias BrowserConfig
	return json.Marshal(&struct {
		PageTimeout string `json:"page_timeout"`
		Alias
	}{
		PageTimeout: formatDuration(b.PageTimeout),
		Alias:       Alias(b),
	})
}
