package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/roach88/vouch/internal/model"
)

const (
	colElements       = "elements"
	colPolicies       = "policies"
	colExpectedValues = "expectedvalues"
	colClaims         = "claims"
	colResults        = "results"
	colSessions       = "sessions"
	colCounters       = "counters"
)

// Store is the MongoDB implementation of model.Repository.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ model.Repository = (*Store)(nil)

// Connect dials uri, checks the primary is reachable and ensures indexes
// on the named database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes the whole database. Tests use it for cleanup.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colElements: {
			{Keys: bson.D{{Key: "name", Value: 1}, {Key: "seq", Value: -1}}},
		},
		colExpectedValues: {
			{Keys: bson.D{{Key: "elementID", Value: 1}, {Key: "policyID", Value: 1}, {Key: "seq", Value: -1}}},
		},
		colClaims: {
			{Keys: bson.D{{Key: "elementID", Value: 1}, {Key: "policyID", Value: 1}}},
			{Keys: bson.D{{Key: "requested", Value: -1}, {Key: "seq", Value: -1}}},
		},
		colResults: {
			{Keys: bson.D{{Key: "elementID", Value: 1}, {Key: "policyID", Value: 1}}},
			{Keys: bson.D{{Key: "claimID", Value: 1}}},
			{Keys: bson.D{{Key: "verifiedAt", Value: -1}, {Key: "seq", Value: -1}}},
		},
	}
	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", col, err)
		}
	}
	return nil
}

// nextSeq atomically increments the insertion counter of a collection.
func (s *Store) nextSeq(ctx context.Context, collection string) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": collection},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next %s seq: %w", collection, err)
	}
	return counter.Value, nil
}

func (s *Store) insert(ctx context.Context, collection string, build func(seq int64) any) error {
	seq, err := s.nextSeq(ctx, collection)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(collection).InsertOne(ctx, build(seq)); err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

// findOne decodes the first match into out, mapping no documents to
// NOT_FOUND for the entity.
func (s *Store) findOne(ctx context.Context, collection string, filter any, out any, entity, id string, opts ...*options.FindOneOptions) error {
	err := s.db.Collection(collection).FindOne(ctx, filter, opts...).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.NotFound(entity, id)
	}
	if err != nil {
		return fmt.Errorf("find %s: %w", entity, err)
	}
	return nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter any, opts ...*options.FindOptions) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", coll.Name(), err)
	}
	defer cursor.Close(ctx)

	docs := []T{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", coll.Name(), err)
	}
	return docs, nil
}

func expectMatch(res *mongo.UpdateResult, entity, id string) error {
	if res.MatchedCount == 0 {
		return model.NotFound(entity, id)
	}
	return nil
}

var bySeqAsc = options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})

// AddElement inserts an element.
func (s *Store) AddElement(ctx context.Context, e model.Element) error {
	return s.insert(ctx, colElements, func(seq int64) any { return toElementDoc(e, seq) })
}

// UpdateElement replaces the mutable fields of an element.
func (s *Store) UpdateElement(ctx context.Context, e model.Element) error {
	res, err := s.db.Collection(colElements).UpdateByID(ctx, e.ItemID, bson.M{"$set": bson.M{
		"name":        e.Name,
		"description": e.Description,
		"type":        e.Types,
		"endpoint":    e.Endpoint,
		"protocol":    e.Protocol,
		"archived":    e.ArchivedAt,
	}})
	if err != nil {
		return fmt.Errorf("update element: %w", err)
	}
	return expectMatch(res, "element", e.ItemID)
}

// ArchiveElement soft-deletes an element, keeping the first timestamp.
func (s *Store) ArchiveElement(ctx context.Context, id string, at time.Time) error {
	coll := s.db.Collection(colElements)
	res, err := coll.UpdateOne(ctx, bson.M{"_id": id, "archived": nil}, bson.M{"$set": bson.M{"archived": at}})
	if err != nil {
		return fmt.Errorf("archive element: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.exists(ctx, colElements, "element", id)
	}
	return nil
}

// GetElement retrieves an element by item ID.
func (s *Store) GetElement(ctx context.Context, id string) (model.Element, error) {
	var d elementDoc
	if err := s.findOne(ctx, colElements, bson.M{"_id": id}, &d, "element", id); err != nil {
		return model.Element{}, err
	}
	return d.model(), nil
}

// GetElementByName retrieves the newest non-archived element with the name.
func (s *Store) GetElementByName(ctx context.Context, name string) (model.Element, error) {
	var d elementDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	if err := s.findOne(ctx, colElements, bson.M{"name": name, "archived": nil}, &d, "element", name, opts); err != nil {
		return model.Element{}, err
	}
	return d.model(), nil
}

// ListElements returns non-archived elements in insertion order.
func (s *Store) ListElements(ctx context.Context) ([]model.Element, error) {
	return s.listElements(ctx, bson.M{"archived": nil})
}

// ListElementsByType returns non-archived elements carrying the type tag.
func (s *Store) ListElementsByType(ctx context.Context, elementType string) ([]model.Element, error) {
	return s.listElements(ctx, bson.M{"archived": nil, "type": elementType})
}

// ListArchivedElements returns archived elements in insertion order.
func (s *Store) ListArchivedElements(ctx context.Context) ([]model.Element, error) {
	return s.listElements(ctx, bson.M{"archived": bson.M{"$ne": nil}})
}

func (s *Store) listElements(ctx context.Context, filter bson.M) ([]model.Element, error) {
	docs, err := findAll[elementDoc](ctx, s.db.Collection(colElements), filter, bySeqAsc)
	if err != nil {
		return nil, err
	}
	out := make([]model.Element, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	return out, nil
}

func (s *Store) exists(ctx context.Context, collection, entity, id string) error {
	n, err := s.db.Collection(collection).CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("count %s: %w", entity, err)
	}
	if n == 0 {
		return model.NotFound(entity, id)
	}
	return nil
}

// AddPolicy inserts a policy.
func (s *Store) AddPolicy(ctx context.Context, p model.Policy) error {
	return s.insert(ctx, colPolicies, func(seq int64) any {
		return policyDoc{
			ItemID:      p.ItemID,
			Seq:         seq,
			Name:        p.Name,
			Description: p.Description,
			Intent:      p.Intent,
			Parameters:  bson.M(p.Parameters),
		}
	})
}

// UpdatePolicy replaces a policy's fields.
func (s *Store) UpdatePolicy(ctx context.Context, p model.Policy) error {
	res, err := s.db.Collection(colPolicies).UpdateByID(ctx, p.ItemID, bson.M{"$set": bson.M{
		"name":        p.Name,
		"description": p.Description,
		"intent":      p.Intent,
		"parameters":  bson.M(p.Parameters),
	}})
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	return expectMatch(res, "policy", p.ItemID)
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.Collection(colPolicies).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if res.DeletedCount == 0 {
		return model.NotFound("policy", id)
	}
	return nil
}

// GetPolicy retrieves a policy by item ID.
func (s *Store) GetPolicy(ctx context.Context, id string) (model.Policy, error) {
	var d policyDoc
	if err := s.findOne(ctx, colPolicies, bson.M{"_id": id}, &d, "policy", id); err != nil {
		return model.Policy{}, err
	}
	return d.model(), nil
}

// GetPolicyByName retrieves the newest policy with the name.
func (s *Store) GetPolicyByName(ctx context.Context, name string) (model.Policy, error) {
	var d policyDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	if err := s.findOne(ctx, colPolicies, bson.M{"name": name}, &d, "policy", name, opts); err != nil {
		return model.Policy{}, err
	}
	return d.model(), nil
}

// ListPolicies returns all policies in insertion order.
func (s *Store) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	docs, err := findAll[policyDoc](ctx, s.db.Collection(colPolicies), bson.M{}, bySeqAsc)
	if err != nil {
		return nil, err
	}
	out := make([]model.Policy, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	return out, nil
}

// AddExpectedValue inserts a baseline.
func (s *Store) AddExpectedValue(ctx context.Context, ev model.ExpectedValue) error {
	return s.insert(ctx, colExpectedValues, func(seq int64) any {
		return expectedValueDoc{
			ItemID:      ev.ItemID,
			Seq:         seq,
			Name:        ev.Name,
			Description: ev.Description,
			ElementID:   ev.ElementID,
			PolicyID:    ev.PolicyID,
			Baseline:    bson.M(ev.Baseline),
		}
	})
}

// GetExpectedValue retrieves a baseline by item ID.
func (s *Store) GetExpectedValue(ctx context.Context, id string) (model.ExpectedValue, error) {
	var d expectedValueDoc
	if err := s.findOne(ctx, colExpectedValues, bson.M{"_id": id}, &d, "expected value", id); err != nil {
		return model.ExpectedValue{}, err
	}
	return d.model(), nil
}

// FindExpectedValue returns the most recently inserted baseline for the pair.
func (s *Store) FindExpectedValue(ctx context.Context, elementID, policyID string) (model.ExpectedValue, error) {
	var d expectedValueDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	filter := bson.M{"elementID": elementID, "policyID": policyID}
	if err := s.findOne(ctx, colExpectedValues, filter, &d, "expected value", elementID+"/"+policyID, opts); err != nil {
		return model.ExpectedValue{}, err
	}
	return d.model(), nil
}

// ListExpectedValuesByElement returns an element's baselines in insertion order.
func (s *Store) ListExpectedValuesByElement(ctx context.Context, elementID string) ([]model.ExpectedValue, error) {
	return s.listExpectedValues(ctx, bson.M{"elementID": elementID})
}

// ListExpectedValuesByPolicy returns a policy's baselines in insertion order.
func (s *Store) ListExpectedValuesByPolicy(ctx context.Context, policyID string) ([]model.ExpectedValue, error) {
	return s.listExpectedValues(ctx, bson.M{"policyID": policyID})
}

func (s *Store) listExpectedValues(ctx context.Context, filter bson.M) ([]model.ExpectedValue, error) {
	docs, err := findAll[expectedValueDoc](ctx, s.db.Collection(colExpectedValues), filter, bySeqAsc)
	if err != nil {
		return nil, err
	}
	out := make([]model.ExpectedValue, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	return out, nil
}

// AddClaim inserts a claim.
func (s *Store) AddClaim(ctx context.Context, c model.Claim) error {
	return s.insert(ctx, colClaims, func(seq int64) any {
		return claimDoc{
			ItemID:        c.ItemID,
			Seq:           seq,
			ElementID:     c.ElementID,
			PolicyID:      c.PolicyID,
			Protocol:      c.Protocol,
			Intent:        c.Intent,
			Parameters:    bson.M(c.Parameters),
			Payload:       bson.M(c.Payload),
			PayloadDigest: c.PayloadDigest,
			RequestedAt:   c.RequestedAt,
			ReceivedAt:    c.ReceivedAt,
			SessionID:     c.SessionID,
		}
	})
}

// GetClaim retrieves a claim by item ID.
func (s *Store) GetClaim(ctx context.Context, id string) (model.Claim, error) {
	var d claimDoc
	if err := s.findOne(ctx, colClaims, bson.M{"_id": id}, &d, "claim", id); err != nil {
		return model.Claim{}, err
	}
	return d.model(), nil
}

// ListClaims returns matching claims, newest request first. MongoDB sorts
// null below every date, so claims without a timestamp come last.
func (s *Store) ListClaims(ctx context.Context, q model.Query) ([]model.Claim, error) {
	filter, opts := buildQuery(q, "requested", false)
	docs, err := findAll[claimDoc](ctx, s.db.Collection(colClaims), filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]model.Claim, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	return out, nil
}

// AddResult inserts a result. The numeric code is stored alongside the
// outcome name for tools that read result codes.
func (s *Store) AddResult(ctx context.Context, r model.Result) error {
	return s.insert(ctx, colResults, func(seq int64) any {
		return resultDoc{
			ItemID:          r.ItemID,
			Seq:             seq,
			ClaimID:         r.ClaimID,
			ElementID:       r.ElementID,
			PolicyID:        r.PolicyID,
			ExpectedValueID: r.ExpectedValueID,
			RuleName:        r.RuleName,
			Outcome:         string(r.Outcome),
			Code:            r.Outcome.Code(),
			Message:         r.Message,
			Parameters:      bson.M(r.Parameters),
			VerifiedAt:      r.VerifiedAt,
			SessionID:       r.SessionID,
		}
	})
}

// GetResult retrieves a result by item ID.
func (s *Store) GetResult(ctx context.Context, id string) (model.Result, error) {
	var d resultDoc
	if err := s.findOne(ctx, colResults, bson.M{"_id": id}, &d, "result", id); err != nil {
		return model.Result{}, err
	}
	return d.model(), nil
}

// ListResults returns matching results, newest verification first.
func (s *Store) ListResults(ctx context.Context, q model.Query) ([]model.Result, error) {
	filter, opts := buildQuery(q, "verifiedAt", true)
	docs, err := findAll[resultDoc](ctx, s.db.Collection(colResults), filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]model.Result, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	return out, nil
}

func buildQuery(q model.Query, timeField string, withClaim bool) (bson.M, *options.FindOptions) {
	filter := bson.M{}
	if q.ElementID != "" {
		filter["elementID"] = q.ElementID
	}
	if q.PolicyID != "" {
		filter["policyID"] = q.PolicyID
	}
	if withClaim && q.ClaimID != "" {
		filter["claimID"] = q.ClaimID
	}
	if q.Since != nil {
		// $gt on a date never matches null or a missing field.
		filter[timeField] = bson.M{"$gt": *q.Since}
	}
	opts := options.Find().SetSort(bson.D{{Key: timeField, Value: -1}, {Key: "seq", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return filter, opts
}

// AddSession inserts a session.
func (s *Store) AddSession(ctx context.Context, sess model.Session) error {
	return s.insert(ctx, colSessions, func(seq int64) any {
		return sessionDoc{
			ItemID:        sess.ItemID,
			Seq:           seq,
			OpenedAt:      sess.OpenedAt,
			ClosedAt:      sess.ClosedAt,
			Claims:        nonNil(sess.Claims),
			Results:       nonNil(sess.Results),
			Sessions:      nonNil(sess.Sessions),
			ParentSession: sess.ParentSession,
		}
	})
}

// GetSession retrieves a session by item ID.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	var d sessionDoc
	if err := s.findOne(ctx, colSessions, bson.M{"_id": id}, &d, "session", id); err != nil {
		return model.Session{}, err
	}
	return d.model(), nil
}

// ListSessions returns sessions in the given state in opening order.
func (s *Store) ListSessions(ctx context.Context, state model.SessionState) ([]model.Session, error) {
	filter := bson.M{}
	switch state {
	case model.SessionOpen:
		filter["closed"] = nil
	case model.SessionClosed:
		filter["closed"] = bson.M{"$ne": nil}
	case "":
	default:
		return nil, fmt.Errorf("list sessions: unknown state %q", state)
	}
	docs, err := findAll[sessionDoc](ctx, s.db.Collection(colSessions), filter, bySeqAsc)
	if err != nil {
		return nil, err
	}
	out := make([]model.Session, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	return out, nil
}

// CloseSession records the close time, keeping the first one.
func (s *Store) CloseSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.Collection(colSessions).UpdateOne(ctx,
		bson.M{"_id": id, "closed": nil},
		bson.M{"$set": bson.M{"closed": at}},
	)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.exists(ctx, colSessions, "session", id)
	}
	return nil
}

// AppendSessionClaim pushes a claim ID onto the session.
func (s *Store) AppendSessionClaim(ctx context.Context, sessionID, claimID string) error {
	return s.push(ctx, sessionID, "claims", claimID)
}

// AppendSessionResult pushes a result ID onto the session.
func (s *Store) AppendSessionResult(ctx context.Context, sessionID, resultID string) error {
	return s.push(ctx, sessionID, "results", resultID)
}

// AppendSessionChild pushes a child session ID onto the session.
func (s *Store) AppendSessionChild(ctx context.Context, sessionID, childID string) error {
	return s.push(ctx, sessionID, "sessions", childID)
}

// SetSessionParent sets the parent pointer of a session.
func (s *Store) SetSessionParent(ctx context.Context, sessionID, parentID string) error {
	res, err := s.db.Collection(colSessions).UpdateByID(ctx, sessionID,
		bson.M{"$set": bson.M{"parentSession": parentID}})
	if err != nil {
		return fmt.Errorf("set session parent: %w", err)
	}
	return expectMatch(res, "session", sessionID)
}

func (s *Store) push(ctx context.Context, sessionID, field, id string) error {
	res, err := s.db.Collection(colSessions).UpdateByID(ctx, sessionID,
		bson.M{"$push": bson.M{field: id}})
	if err != nil {
		return fmt.Errorf("push session %s: %w", field, err)
	}
	return expectMatch(res, "session", sessionID)
}
