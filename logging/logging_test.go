package logging

import "testing"

func TestSetVerboseFilters(t *testing.T) {
	tests := []struct {
		name    string
		setting string
		module  string
		method  string
		want    bool
	}{
		{"empty disables", "", "publish", "Publish", false},
		{"false disables", "false", "daemon", "", false},
		{"true enables all", "true", "anything", "anywhere", true},
		{"one enables all", "1", "publish", "", true},
		{"module filter matches module", "publish", "publish", "Publish", true},
		{"module filter skips others", "publish", "daemon", "handleEvent", false},
		{"method filter matches exactly", "daemon.handleEvent", "daemon", "handleEvent", true},
		{"method filter skips siblings", "daemon.handleEvent", "daemon", "housekeep", false},
		{"comma list", "publish, daemon.housekeep", "daemon", "housekeep", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVerbose(tt.setting)
			if got := IsVerbose(tt.module, tt.method); got != tt.want {
				t.Errorf("IsVerbose(%q, %q) with VERBOSE=%q = %v, want %v", tt.module, tt.method, tt.setting, got, tt.want)
			}
		})
	}
	SetVerbose("")
}
