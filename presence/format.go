package presence

import (
	"fmt"
	"time"
)

// FormatLastSeen renders a human-readable last-seen string for a remote
// user: "Online now" while online, otherwise a coarse relative-time bucket
// ("5 minutes ago", "2 hours ago", "1 day ago").
func (t *Tracker) FormatLastSeen(userID string) string {
	t.mu.RLock()
	p, ok := t.users[userID]
	now := t.now()
	t.mu.RUnlock()

	if !ok {
		return "Offline"
	}
	if p.Status == StatusOnline {
		return "Online now"
	}
	return formatRelative(now.Sub(p.LastSeen))
}

func formatRelative(d time.Duration) string {
	if d < time.Minute {
		return "Just now"
	}

	minutes := int(d.Minutes())
	if minutes < 60 {
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	}

	hours := int(d.Hours())
	if hours < 24 {
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	}

	days := hours / 24
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}
