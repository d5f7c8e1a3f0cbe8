package mongostore

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/roach88/vouch/internal/model"
)

type elementDoc struct {
	ItemID      string     `bson:"_id"`
	Seq         int64      `bson:"seq"`
	Name        string     `bson:"name"`
	Description string     `bson:"description"`
	Types       []string   `bson:"type"`
	Endpoint    string     `bson:"endpoint"`
	Protocol    string     `bson:"protocol"`
	ArchivedAt  *time.Time `bson:"archived"`
}

func (d elementDoc) model() model.Element {
	types := d.Types
	if types == nil {
		types = []string{}
	}
	return model.Element{
		ItemID:      d.ItemID,
		Name:        d.Name,
		Description: d.Description,
		Types:       types,
		Endpoint:    d.Endpoint,
		Protocol:    d.Protocol,
		ArchivedAt:  utc(d.ArchivedAt),
	}
}

func toElementDoc(e model.Element, seq int64) elementDoc {
	return elementDoc{
		ItemID:      e.ItemID,
		Seq:         seq,
		Name:        e.Name,
		Description: e.Description,
		Types:       e.Types,
		Endpoint:    e.Endpoint,
		Protocol:    e.Protocol,
		ArchivedAt:  e.ArchivedAt,
	}
}

type policyDoc struct {
	ItemID      string `bson:"_id"`
	Seq         int64  `bson:"seq"`
	Name        string `bson:"name"`
	Description string `bson:"description"`
	Intent      string `bson:"intent"`
	Parameters  bson.M `bson:"parameters"`
}

func (d policyDoc) model() model.Policy {
	return model.Policy{
		ItemID:      d.ItemID,
		Name:        d.Name,
		Description: d.Description,
		Intent:      d.Intent,
		Parameters:  normalizeMap(d.Parameters),
	}
}

type expectedValueDoc struct {
	ItemID      string `bson:"_id"`
	Seq         int64  `bson:"seq"`
	Name        string `bson:"name"`
	Description string `bson:"description"`
	ElementID   string `bson:"elementID"`
	PolicyID    string `bson:"policyID"`
	Baseline    bson.M `bson:"evs"`
}

func (d expectedValueDoc) model() model.ExpectedValue {
	return model.ExpectedValue{
		ItemID:      d.ItemID,
		Name:        d.Name,
		Description: d.Description,
		ElementID:   d.ElementID,
		PolicyID:    d.PolicyID,
		Baseline:    normalizeMap(d.Baseline),
	}
}

type claimDoc struct {
	ItemID        string     `bson:"_id"`
	Seq           int64      `bson:"seq"`
	ElementID     string     `bson:"elementID"`
	PolicyID      string     `bson:"policyID"`
	Protocol      string     `bson:"protocol"`
	Intent        string     `bson:"intent"`
	Parameters    bson.M     `bson:"parameters"`
	Payload       bson.M     `bson:"payload"`
	PayloadDigest string     `bson:"payloadDigest"`
	RequestedAt   *time.Time `bson:"requested"`
	ReceivedAt    *time.Time `bson:"received"`
	SessionID     string     `bson:"session"`
}

func (d claimDoc) model() model.Claim {
	return model.Claim{
		ItemID:        d.ItemID,
		ElementID:     d.ElementID,
		PolicyID:      d.PolicyID,
		Protocol:      d.Protocol,
		Intent:        d.Intent,
		Parameters:    normalizeMap(d.Parameters),
		Payload:       normalizeMap(d.Payload),
		PayloadDigest: d.PayloadDigest,
		RequestedAt:   utc(d.RequestedAt),
		ReceivedAt:    utc(d.ReceivedAt),
		SessionID:     d.SessionID,
	}
}

type resultDoc struct {
	ItemID          string     `bson:"_id"`
	Seq             int64      `bson:"seq"`
	ClaimID         string     `bson:"claimID"`
	ElementID       string     `bson:"elementID"`
	PolicyID        string     `bson:"policyID"`
	ExpectedValueID string     `bson:"expectedValueID"`
	RuleName        string     `bson:"rule"`
	Outcome         string     `bson:"outcome"`
	Code            int        `bson:"result"`
	Message         string     `bson:"message"`
	Parameters      bson.M     `bson:"parameters"`
	VerifiedAt      *time.Time `bson:"verifiedAt"`
	SessionID       string     `bson:"session"`
}

func (d resultDoc) model() model.Result {
	outcome := model.Outcome(d.Outcome)
	if !outcome.Valid() {
		outcome = model.OutcomeFromCode(d.Code)
	}
	return model.Result{
		ItemID:          d.ItemID,
		ClaimID:         d.ClaimID,
		ElementID:       d.ElementID,
		PolicyID:        d.PolicyID,
		ExpectedValueID: d.ExpectedValueID,
		RuleName:        d.RuleName,
		Outcome:         outcome,
		Message:         d.Message,
		Parameters:      normalizeMap(d.Parameters),
		VerifiedAt:      utc(d.VerifiedAt),
		SessionID:       d.SessionID,
	}
}

type sessionDoc struct {
	ItemID        string     `bson:"_id"`
	Seq           int64      `bson:"seq"`
	OpenedAt      time.Time  `bson:"opened"`
	ClosedAt      *time.Time `bson:"closed"`
	Claims        []string   `bson:"claims"`
	Results       []string   `bson:"results"`
	Sessions      []string   `bson:"sessions"`
	ParentSession string     `bson:"parentSession"`
}

func (d sessionDoc) model() model.Session {
	return model.Session{
		ItemID:        d.ItemID,
		OpenedAt:      d.OpenedAt.UTC(),
		ClosedAt:      utc(d.ClosedAt),
		Claims:        nonNil(d.Claims),
		Results:       nonNil(d.Results),
		Sessions:      nonNil(d.Sessions),
		ParentSession: d.ParentSession,
	}
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// normalizeMap converts decoded BSON documents and arrays into plain Go
// maps and slices so rules and the canonical digest see the same shapes
// regardless of the backing store.
func normalizeMap(m bson.M) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		return normalizeMap(val)
	case map[string]any:
		return normalizeMap(val)
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		arr := make([]any, len(val))
		for i, elem := range val {
			arr[i] = normalizeValue(elem)
		}
		return arr
	case []any:
		arr := make([]any, len(val))
		for i, elem := range val {
			arr[i] = normalizeValue(elem)
		}
		return arr
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339Nano)
	case primitive.Binary:
		return val.Data
	default:
		return val
	}
}
