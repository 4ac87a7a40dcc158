package service

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var parser5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a five field cron expression or a descriptor such
// as @daily or @every 1h.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return fmt.Errorf("empty cron expression")
	}
	if _, err := parser5.Parse(e); err != nil {
		return fmt.Errorf("parsing %q: %w", e, err)
	}
	return nil
}
