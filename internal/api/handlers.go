package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/vouch/internal/attest"
	"github.com/roach88/vouch/internal/engine"
	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/verify"
)

// Default page sizes for listings without a limit parameter.
const (
	defaultClaimLimit        = 10
	defaultElementClaimLimit = 100
	defaultResultLimit       = 500
)

type attestRequest struct {
	ElementID  string          `json:"eid"`
	PolicyID   string          `json:"pid"`
	Parameters json.RawMessage `json:"cps"`
	SessionID  string          `json:"sid"`
}

type verifyRequest struct {
	ClaimID    string          `json:"cid"`
	Rule       string          `json:"rule"`
	SessionID  string          `json:"sid"`
	Parameters json.RawMessage `json:"parameters"`
}

type campaignRequest struct {
	Template       string `json:"template"`
	Evaluation     string `json:"evaluation"`
	TemplateName   string `json:"templateName"`
	EvaluationName string `json:"evaluationName"`
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": "vouch", "api": "v2"})
}

func (s *Server) handleListElements(c *gin.Context) {
	var (
		els []model.Element
		err error
	)
	if _, archived := c.GetQuery("archived"); archived {
		els, err = s.engine.ListArchivedElements(c.Request.Context())
	} else {
		els, err = s.engine.ListElements(c.Request.Context(), "")
	}
	if err != nil {
		writeError(c, err)
		return
	}
	ids := elementIDs(els)
	c.JSON(http.StatusOK, gin.H{"elements": ids, "count": len(ids)})
}

func (s *Server) handleListElementsByType(c *gin.Context) {
	elementType := c.Param("type")
	els, err := s.engine.ListElements(c.Request.Context(), elementType)
	if err != nil {
		writeError(c, err)
		return
	}
	ids := elementIDs(els)
	c.JSON(http.StatusOK, gin.H{"elements": ids, "count": len(ids), "type": elementType})
}

func (s *Server) handleGetElement(c *gin.Context) {
	el, err := s.engine.GetElement(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (s *Server) handleGetElementByName(c *gin.Context) {
	el, err := s.engine.GetElementByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (s *Server) handleAddElement(c *gin.Context) {
	var el model.Element
	if !bindJSON(c, &el) {
		return
	}
	added, err := s.engine.AddElement(c.Request.Context(), el)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"itemid": added.ItemID})
}

func (s *Server) handleArchiveElement(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.ArchiveElement(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"itemid": id, "archived": true})
}

func (s *Server) handleElementTypes(c *gin.Context) {
	types, err := s.engine.ElementTypes(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"types": types})
}

// handleUpdateElement replaces the element named by the path; an item ID
// in the body is ignored.
func (s *Server) handleUpdateElement(c *gin.Context) {
	var el model.Element
	if !bindJSON(c, &el) {
		return
	}
	el.ItemID = c.Param("id")
	if _, err := s.engine.UpdateElement(c.Request.Context(), el); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"itemid": el.ItemID})
}

func (s *Server) handleListPolicies(c *gin.Context) {
	ps, err := s.engine.ListPolicies(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ItemID
	}
	c.JSON(http.StatusOK, gin.H{"policies": ids, "count": len(ids)})
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	p, err := s.engine.GetPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleGetPolicyByName(c *gin.Context) {
	p, err := s.engine.GetPolicyByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleAddPolicy(c *gin.Context) {
	var p model.Policy
	if !bindJSON(c, &p) {
		return
	}
	added, err := s.engine.AddPolicy(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"itemid": added.ItemID})
}

func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var p model.Policy
	if !bindJSON(c, &p) {
		return
	}
	if _, err := s.engine.UpdatePolicy(c.Request.Context(), p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"itemid": p.ItemID})
}

// handleDeletePolicy takes the item ID from the path or, as the original
// service did, from the itemid query parameter.
func (s *Server) handleDeletePolicy(c *gin.Context) {
	id := orDefault(c.Param("id"), c.Query("itemid"))
	if id == "" {
		writeErrorCode(c, http.StatusBadRequest, string(model.KindInvalidArgument), "policy item ID is required")
		return
	}
	if err := s.engine.DeletePolicy(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"itemid": id, "deleted": true})
}

func (s *Server) handleListExpectedValues(c *gin.Context) {
	evs, err := s.engine.ListExpectedValues(c.Request.Context(), c.Query("element"), c.Query("policy"))
	if err != nil {
		writeError(c, err)
		return
	}
	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ItemID
	}
	c.JSON(http.StatusOK, gin.H{"expectedvalues": ids, "count": len(ids)})
}

func (s *Server) handleGetExpectedValueByID(c *gin.Context) {
	ev, err := s.engine.GetExpectedValue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) handleGetExpectedValue(c *gin.Context) {
	ev, err := s.engine.ExpectedValueFor(c.Request.Context(), c.Param("id"), c.Param("pid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) handleAddExpectedValue(c *gin.Context) {
	var ev model.ExpectedValue
	if !bindJSON(c, &ev) {
		return
	}
	added, err := s.engine.AddExpectedValue(c.Request.Context(), ev)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"itemid": added.ItemID})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.engine.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleListSessions(state model.SessionState) gin.HandlerFunc {
	label := "opened"
	if state == model.SessionClosed {
		label = "closed"
	}
	return func(c *gin.Context) {
		sessions, err := s.engine.ListSessions(c.Request.Context(), state)
		if err != nil {
			writeError(c, err)
			return
		}
		ids := make([]string, len(sessions))
		for i, sess := range sessions {
			ids[i] = sess.ItemID
		}
		c.JSON(http.StatusOK, gin.H{"sessions": ids, "count": len(ids), "sessionstate": label})
	}
}

func (s *Server) handleOpenSession(c *gin.Context) {
	id, err := s.engine.OpenSession(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"itemid": id})
}

func (s *Server) handleCloseSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.CloseSession(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"itemid": id, "sessionstate": "closed"})
}

func (s *Server) handleAssociateClaim(c *gin.Context) {
	if err := s.engine.AssociateClaim(c.Request.Context(), c.Param("id"), c.Param("cid")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": c.Param("id"), "claim": c.Param("cid")})
}

func (s *Server) handleAssociateResult(c *gin.Context) {
	if err := s.engine.AssociateResult(c.Request.Context(), c.Param("id"), c.Param("rid")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": c.Param("id"), "result": c.Param("rid")})
}

func (s *Server) handleAssociateSession(c *gin.Context) {
	if err := s.engine.AssociateSession(c.Request.Context(), c.Param("id"), c.Param("inner")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": c.Param("id"), "subsession": c.Param("inner")})
}

func (s *Server) handleListClaims(c *gin.Context) {
	limit, ok := queryLimit(c, defaultClaimLimit)
	if !ok {
		return
	}
	claims, err := s.engine.ListClaims(c.Request.Context(), model.Query{Limit: limit})
	if err != nil {
		writeError(c, err)
		return
	}
	ids := claimIDs(claims)
	c.JSON(http.StatusOK, gin.H{"claims": ids, "count": len(ids), "limit": limit})
}

func (s *Server) handleClaimsForElement(c *gin.Context) {
	limit, ok := queryLimit(c, defaultElementClaimLimit)
	if !ok {
		return
	}
	claims, err := s.engine.ClaimsForElement(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	ids := claimIDs(claims)
	c.JSON(http.StatusOK, gin.H{"claims": ids, "count": len(ids), "limit": limit, "elementID": c.Param("id")})
}

func (s *Server) handleGetClaim(c *gin.Context) {
	claim, err := s.engine.GetClaim(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

func (s *Server) handleResultsForClaim(c *gin.Context) {
	results, err := s.engine.ResultsForClaim(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": resultIDs(results), "count": len(results)})
}

func (s *Server) handleListResults(c *gin.Context) {
	limit, ok := queryLimit(c, defaultResultLimit)
	if !ok {
		return
	}
	q := model.Query{ElementID: c.Query("element"), PolicyID: c.Query("policy"), ClaimID: c.Query("claim"), Limit: limit}
	results, err := s.engine.ListResults(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": resultIDs(results), "count": len(results), "limit": limit})
}

func (s *Server) handleResultsSince(c *gin.Context) {
	raw := c.Query("timestamp")
	since, err := parseTimestamp(raw)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, string(model.KindInvalidArgument), err.Error())
		return
	}
	limit, ok := queryLimit(c, 0)
	if !ok {
		return
	}
	results, err := s.engine.ResultsSince(c.Request.Context(), since, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "since": raw, "count": len(results)})
}

// handleLatestForElement lists the newest results for an element, and for
// one of its policies when the path names one.
func (s *Server) handleLatestForElement(c *gin.Context) {
	limit, ok := queryLimit(c, defaultResultLimit)
	if !ok {
		return
	}
	q := model.Query{ElementID: c.Param("id"), PolicyID: c.Param("pid"), Limit: limit}
	results, err := s.engine.ListResults(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"results": results, "count": len(results), "limit": limit, "elementID": q.ElementID}
	if q.PolicyID != "" {
		body["policyID"] = q.PolicyID
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleGetResult(c *gin.Context) {
	result, err := s.engine.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) handleAttest(c *gin.Context) {
	var req attestRequest
	if !bindJSON(c, &req) {
		return
	}
	params, ok := decodeParameters(c, req.Parameters)
	if !ok {
		return
	}
	claim, err := s.engine.Attest(c.Request.Context(), attest.Request{
		ElementID:      req.ElementID,
		PolicyID:       req.PolicyID,
		CallParameters: params,
		SessionID:      req.SessionID,
	})
	if err != nil {
		var details map[string]any
		if claim.ItemID != "" {
			details = map[string]any{"claim": claim.ItemID}
		}
		writeErrorDetails(c, err, details)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"claim": claim.ItemID})
}

func (s *Server) handleVerify(c *gin.Context) {
	var req verifyRequest
	if !bindJSON(c, &req) {
		return
	}
	params, ok := decodeParameters(c, req.Parameters)
	if !ok {
		return
	}
	result, err := s.engine.Verify(c.Request.Context(), verify.Request{
		ClaimID:    req.ClaimID,
		RuleName:   req.Rule,
		SessionID:  req.SessionID,
		Parameters: params,
	})
	if err != nil {
		var details map[string]any
		if result.ItemID != "" {
			details = map[string]any{"result": result.ItemID}
		}
		writeErrorDetails(c, err, details)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"result": result.ItemID, "outcome": result.Outcome, "message": result.Message})
}

func (s *Server) handleListRules(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.ListRules())
}

func (s *Server) handleCampaign(c *gin.Context) {
	var req campaignRequest
	if !bindJSON(c, &req) {
		return
	}
	template := engine.Document{Name: orDefault(req.TemplateName, "template.cue"), Source: []byte(req.Template)}
	evaluation := engine.Document{Name: orDefault(req.EvaluationName, "evaluation.cue"), Source: []byte(req.Evaluation)}

	report, err := s.engine.RunCampaign(c.Request.Context(), template, evaluation)
	if err != nil {
		var details map[string]any
		if report != nil {
			details = map[string]any{"report": report}
		}
		writeErrorDetails(c, err, details)
		return
	}
	c.JSON(http.StatusOK, report)
}

// bindJSON decodes the body keeping numbers exact, so parameters and
// baselines reach digests and rules unchanged.
func bindJSON(c *gin.Context, v any) bool {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func decodeParameters(c *gin.Context, raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	params, err := model.DecodeObject(raw)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, string(model.KindInvalidArgument), "parameters must be a JSON object")
		return nil, false
	}
	return params, true
}

func queryLimit(c *gin.Context, def int) (int, bool) {
	raw, ok := c.GetQuery("limit")
	if !ok {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeErrorCode(c, http.StatusBadRequest, string(model.KindInvalidArgument), fmt.Sprintf("invalid limit %q", raw))
		return 0, false
	}
	return n, true
}

// parseTimestamp accepts Unix seconds, fractional or not, or RFC 3339.
func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		whole := int64(secs)
		nanos := int64((secs - float64(whole)) * float64(time.Second))
		return time.Unix(whole, nanos).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	return t, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func elementIDs(els []model.Element) []string {
	ids := make([]string, len(els))
	for i, el := range els {
		ids[i] = el.ItemID
	}
	return ids
}

func claimIDs(claims []model.Claim) []string {
	ids := make([]string, len(claims))
	for i, c := range claims {
		ids[i] = c.ItemID
	}
	return ids
}

func resultIDs(results []model.Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ItemID
	}
	return ids
}
