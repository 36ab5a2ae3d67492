package chat

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/agentdesk/internal/instance"
)

// Policy decides whether an inbound message gets an automated reply.
type Policy struct {
	DefaultTimezone string
	Now             func() time.Time
}

// ShouldRespond applies, in order: the auto-respond toggle, the group opt-in,
// business hours and human handoff.
func (p Policy) ShouldRespond(s instance.Settings, t *Thread, isGroup bool) bool {
	if !s.AutoRespondEnabled() {
		return false
	}
	if isGroup && !s.GroupsEnabled() {
		return false
	}
	if bh := s.BusinessHours; bh != nil && bh.Enabled && !p.withinBusinessHours(bh) {
		return false
	}
	if s.HumanHandoff && t != nil && t.HumanMode {
		return false
	}
	return true
}

func (p Policy) withinBusinessHours(bh *instance.BusinessHours) bool {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	at := now().In(p.location(bh.Timezone))

	day, ok := bh.Schedule[strings.ToLower(at.Weekday().String())]
	if !ok || !day.Enabled {
		return false
	}
	hm := at.Format("15:04")
	return hm >= day.Start && hm <= day.End
}

func (p Policy) location(tz string) *time.Location {
	if tz == "" {
		tz = p.DefaultTimezone
	}
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logrus.WithField("timezone", tz).Warn("[POLICY] unknown timezone, using UTC")
		return time.UTC
	}
	return loc
}
