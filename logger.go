package tigon

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/config"
)

// configLogger applies the logging section of c to l. Nothing is changed when
// any of it is invalid.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	formatter, err := logFormatter(c)
	if err != nil {
		return err
	}

	l.SetLevel(level)
	l.SetFormatter(formatter)
	return nil
}

func logFormatter(c *config.C) (logrus.Formatter, error) {
	noTimestamp := c.GetBool("logging.disable_timestamp", false)

	// A custom layout implies the full timestamp, the text formatter would
	// otherwise print seconds since start.
	layout := c.GetString("logging.timestamp_format", "")
	full := layout != ""
	if !full {
		layout = time.RFC3339
	}

	switch format := strings.ToLower(c.GetString("logging.format", "text")); format {
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat:  layout,
			FullTimestamp:    full,
			DisableTimestamp: noTimestamp,
		}, nil
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  layout,
			DisableTimestamp: noTimestamp,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", format, []string{"text", "json"})
	}
}
