package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks engine health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Counts        map[string]int
	Connected     bool
	LastCheck     time.Time
}

// Activity lights up on events and fades over ten seconds.
type Activity struct {
	last time.Time
}

func (a *Activity) OnEvent(at time.Time) { a.last = at }

func (a Activity) Last() time.Time { return a.last }

// Dots returns how many of five dots are lit at now.
func (a Activity) Dots(now time.Time) int {
	if a.last.IsZero() {
		return 0
	}
	lit := 5 - int(now.Sub(a.last)/(2*time.Second))
	return max(0, min(5, lit))
}

func (a Activity) Render(theme Theme, now time.Time) string {
	var b strings.Builder
	lit := a.Dots(now)
	for i := range 5 {
		if i < lit {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}

var countOrder = []string{"pending", "claimed", "failed_retryable", "applied", "failed_terminal", "cancelled"}

func renderHeader(health HealthState, activity Activity, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusApplied.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	lastEvent := "never"
	if !activity.Last().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.Last()).Round(time.Second))
	}

	title := " SPENDGATE WATCH"
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	counts := make([]string, 0, len(countOrder))
	for _, status := range countOrder {
		counts = append(counts, theme.ForStatus(status).Render(fmt.Sprintf("%s %d", status, health.Counts[status])))
	}
	statsLine := fmt.Sprintf(" %s  up %s  %s", statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		strings.Join(counts, "  "))

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme, now))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
