package confirm

import (
	"time"

	"github.com/pulseline/pulseline/internal/domain/notification"
)

// ChannelBreakdown is the per-channel slice of an analytics report.
type ChannelBreakdown struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Clicked   int `json:"clicked"`
	Failed    int `json:"failed"`
	Bounced   int `json:"bounced"`
}

// Report aggregates a tenant's confirmations over a time range.
type Report struct {
	Total        int     `json:"total"`
	Delivered    int     `json:"delivered"`
	Read         int     `json:"read"`
	Clicked      int     `json:"clicked"`
	Bounced      int     `json:"bounced"`
	DeliveryRate float64 `json:"deliveryRate"`
	ReadRate     float64 `json:"readRate"`
	ClickRate    float64 `json:"clickRate"`
	BounceRate   float64 `json:"bounceRate"`

	PerChannel map[notification.Channel]*ChannelBreakdown `json:"perChannel"`
}

// Analytics computes delivery rates for a tenant between from and to.
// Rates are relative to the number of sent confirmations in the range.
func (s *Store) Analytics(tenant string, from, to time.Time) *Report {
	confirmations := s.GetForTenant(tenant, Filter{From: from, To: to})

	report := &Report{
		PerChannel: make(map[notification.Channel]*ChannelBreakdown),
	}

	for _, c := range confirmations {
		bd, ok := report.PerChannel[c.Channel]
		if !ok {
			bd = &ChannelBreakdown{}
			report.PerChannel[c.Channel] = bd
		}
		switch c.Status {
		case StatusSent:
			report.Total++
			bd.Sent++
		case StatusDelivered:
			report.Delivered++
			bd.Delivered++
		case StatusRead:
			report.Read++
			bd.Read++
		case StatusClicked:
			report.Clicked++
			bd.Clicked++
		case StatusFailed:
			bd.Failed++
		case StatusBounced:
			report.Bounced++
			bd.Bounced++
		}
	}

	if report.Total > 0 {
		total := float64(report.Total)
		report.DeliveryRate = float64(report.Delivered) / total
		report.ReadRate = float64(report.Read) / total
		report.ClickRate = float64(report.Clicked) / total
		report.BounceRate = float64(report.Bounced) / total
	}
	return report
}
