package crm

import (
	"context"

	"blastbot/internal/broadcast"
	"blastbot/internal/metrics"
	"blastbot/internal/phone"
	"blastbot/internal/storage"
	logx "blastbot/pkg/logx"
)

// ErrorRecorder receives contacts whose phone could not be normalized.
type ErrorRecorder interface {
	RecordError(ctx context.Context, e storage.ErrorNumber) error
}

// AudienceBuilder turns one pipeline stage into a normalized contact list.
type AudienceBuilder struct {
	crm  *Client
	sink ErrorRecorder
	met  *metrics.Metrics
	log  logx.Logger
}

func NewAudienceBuilder(c *Client, sink ErrorRecorder, met *metrics.Metrics, log logx.Logger) *AudienceBuilder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AudienceBuilder{crm: c, sink: sink, met: met, log: log}
}

// Build fetches the stage's leads, resolves their contacts, and returns
// one entry per lead: the first linked contact with a usable phone.
//
// Rejected phones go to the error sink and are dropped. Duplicate phones
// keep their first occurrence so list order follows lead order.
func (b *AudienceBuilder) Build(ctx context.Context, pipelineID, statusID int64) ([]broadcast.Contact, error) {
	leads, err := b.crm.Leads(ctx, pipelineID, statusID)
	if err != nil {
		return nil, err
	}
	if len(leads) == 0 {
		return nil, nil
	}

	var ids []int64
	for _, l := range leads {
		ids = append(ids, l.ContactIDs...)
	}
	cards, err := b.crm.ContactsBulk(ctx, ids)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []broadcast.Contact
	for _, lead := range leads {
		var raw, name string
		for _, cid := range lead.ContactIDs {
			card, ok := cards[cid]
			if !ok || card.Phone == "" {
				continue
			}
			raw = card.Phone
			name = card.Name
			break
		}
		if raw == "" {
			continue
		}

		normalized, err := phone.Normalize(raw)
		if err != nil {
			b.met.Rejected()
			b.log.Debug("phone rejected",
				logx.Int64("lead", lead.ID),
				logx.String("raw", raw),
			)
			if b.sink != nil {
				if serr := b.sink.RecordError(ctx, storage.ErrorNumber{
					LeadID:      lead.ID,
					LeadName:    lead.Name,
					Phone:       raw,
					ContactName: name,
				}); serr != nil {
					b.log.Warn("error sink write failed", logx.Err(serr))
				}
			}
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, broadcast.Contact{Phone: normalized, Name: name})
	}
	return out, nil
}
