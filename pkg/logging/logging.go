// Package logging formats time periods and timestamps for log messages the
// way the original's log.py does, on top of the standard library's log
// package.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Logger wraps the standard library's log.Logger with the level-tagged
// message shape PrivCount's original logging module used throughout
// (INFO/WARNING/ERROR prefixes on every line).
type Logger struct {
	std *log.Logger
}

// New returns a Logger that writes to os.Stderr with a timestamp prefix.
func New(prefix string) *Logger {
	return &Logger{std: log.New(os.Stderr, prefix, log.LstdFlags|log.Lmicroseconds)}
}

func (l *Logger) log(level, format string, args ...interface{}) {
	l.std.Printf("%s %s", level, fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) { l.log("INFO", format, args...) }

// Warning logs a recoverable anomaly.
func (l *Logger) Warning(format string, args ...interface{}) { l.log("WARNING", format, args...) }

// Error logs an unrecoverable failure.
func (l *Logger) Error(format string, args ...interface{}) { l.log("ERROR", format, args...) }

// FormatPeriod formats a time.Duration as "1w 3d 12h 20m 32s", starting at
// the first non-zero unit (seconds are always included), matching
// format_period. Negative durations are prefixed with a minus sign.
func FormatPeriod(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	totalSeconds := int64(d / time.Second)

	week := totalSeconds / (7 * 24 * 3600)
	totalSeconds %= 7 * 24 * 3600
	day := totalSeconds / (24 * 3600)
	totalSeconds %= 24 * 3600
	hour := totalSeconds / 3600
	totalSeconds %= 3600
	minute := totalSeconds / 60
	second := totalSeconds % 60

	larger := false
	if week > 0 {
		fmt.Fprintf(&b, "%dw ", week)
		larger = true
	}
	if day > 0 || larger {
		fmt.Fprintf(&b, "%dd ", day)
		larger = true
	}
	if hour > 0 || larger {
		fmt.Fprintf(&b, "%dh ", hour)
		larger = true
	}
	if minute > 0 || larger {
		fmt.Fprintf(&b, "%dm ", minute)
	}
	fmt.Fprintf(&b, "%ds", second)
	return b.String()
}

// FormatDatetime formats ts as a UTC date/time string: "2016-07-16
// 17:58:00 UTC", matching format_datetime.
func FormatDatetime(ts time.Time) string {
	return ts.UTC().Format("2006-01-02 15:04:05 UTC")
}

// FormatEpoch formats ts as a unix-epoch numeric string, matching
// format_epoch.
func FormatEpoch(ts time.Time) string {
	return fmt.Sprintf("%d", ts.Unix())
}

// FormatTime formats a period and a timestamp together: "1w 3d 12h 20m
// 32s (desc 2016-07-16 17:58:00 UTC 1468691880)", matching format_time.
func FormatTime(period time.Duration, desc string, ts time.Time) string {
	return fmt.Sprintf("%s (%s %s %s)", FormatPeriod(period), desc, FormatDatetime(ts), FormatEpoch(ts))
}

// FormatInterval formats a period spanning two timestamps, matching
// format_interval.
func FormatInterval(period time.Duration, desc string, begin, end time.Time) string {
	return fmt.Sprintf("%s (%s %s to %s, %s to %s)",
		FormatPeriod(period), desc,
		FormatDatetime(begin), FormatDatetime(end),
		FormatEpoch(begin), FormatEpoch(end))
}

// FormatElapsedTimeSince formats the time elapsed between past and now,
// along with past's UTC time, matching format_elapsed_time_since. desc is
// typically "since".
func FormatElapsedTimeSince(past time.Time, desc string) string {
	elapsed := time.Since(past)
	return FormatTime(elapsed, desc, past)
}
