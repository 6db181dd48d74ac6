package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ethpandaops/genomewiz/pkg/auth"
	"github.com/ethpandaops/genomewiz/pkg/consensus"
	"github.com/ethpandaops/genomewiz/pkg/store"
)

var svTypes = map[string]struct{}{
	"DEL": {}, "INS": {}, "DUP": {}, "INV": {}, "TRA": {}, "BND": {}, "CNV": {},
}

var zygosities = map[string]struct{}{"": {}, "hom": {}, "het": {}}

// --- SV candidates ---

// handleListSVs lists SV candidates, optionally filtered.
func (s *server) handleListSVs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.SVFilter{
		SampleID: q.Get("sample_id"),
		SVType:   strings.ToUpper(q.Get("svtype")),
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, codeBadRequest,
				"limit must be a positive integer")

			return
		}

		filter.Limit = limit
	}

	svs, err := s.store.ListSVs(r.Context(), filter)
	if err != nil {
		s.writeAuthError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, svs)
}

// handleGetSV returns one SV candidate.
func (s *server) handleGetSV(w http.ResponseWriter, r *http.Request) {
	sv, err := s.store.GetSV(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "sv not found")

		return
	}

	writeJSON(w, http.StatusOK, sv)
}

type createSVRequest struct {
	ID       string  `json:"id"`
	SampleID string  `json:"sample_id"`
	Chrom    string  `json:"chrom"`
	Pos1     int64   `json:"pos1"`
	Pos2     *int64  `json:"pos2,omitempty"`
	SVType   string  `json:"svtype"`
	Size     *int64  `json:"size,omitempty"`
	Caller   *string `json:"caller,omitempty"`
}

func (req *createSVRequest) validate() error {
	if req.ID == "" || req.SampleID == "" || req.Chrom == "" {
		return errors.New("id, sample_id and chrom are required")
	}

	if req.Pos1 < 0 || (req.Pos2 != nil && *req.Pos2 < 0) {
		return errors.New("positions must not be negative")
	}

	req.SVType = strings.ToUpper(req.SVType)
	if _, ok := svTypes[req.SVType]; !ok {
		return fmt.Errorf("unknown svtype %q", req.SVType)
	}

	return nil
}

// handleCreateSV registers a new SV candidate.
func (s *server) handleCreateSV(w http.ResponseWriter, r *http.Request) {
	var req createSVRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")

		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	sv := &store.SVCandidate{
		ID:       req.ID,
		SampleID: req.SampleID,
		Chrom:    req.Chrom,
		Pos1:     req.Pos1,
		Pos2:     req.Pos2,
		SVType:   req.SVType,
		Size:     req.Size,
		Caller:   req.Caller,
	}

	if err := s.store.CreateSV(r.Context(), sv); err != nil {
		s.writeStoreError(w, err, "sv not found")

		return
	}

	writeJSON(w, http.StatusCreated, sv)
}

// --- Labels ---

// handleListLabels lists the labels recorded for an SV.
func (s *server) handleListLabels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	svID := chi.URLParam(r, "id")

	if _, err := s.store.GetSV(ctx, svID); err != nil {
		s.writeStoreError(w, err, "sv not found")

		return
	}

	labels, err := s.store.ListLabels(ctx, svID)
	if err != nil {
		s.writeAuthError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, labels)
}

type createLabelRequest struct {
	Outcome       string   `json:"outcome"`
	Confidence    int      `json:"confidence"`
	Zygosity      string   `json:"zygosity,omitempty"`
	ClonalityBin  string   `json:"clonality_bin,omitempty"`
	EvidenceFlags []string `json:"evidence_flags,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

func (req *createLabelRequest) validate() error {
	if !consensus.ValidOutcome(req.Outcome) {
		return fmt.Errorf("unknown outcome %q", req.Outcome)
	}

	if req.Confidence < 1 || req.Confidence > 5 {
		return errors.New("confidence must be between 1 and 5")
	}

	if _, ok := zygosities[req.Zygosity]; !ok {
		return fmt.Errorf("unknown zygosity %q", req.Zygosity)
	}

	return nil
}

type createLabelResponse struct {
	Label     *store.Label     `json:"label"`
	Consensus *store.Consensus `json:"consensus"`
}

// handleCreateLabel records the caller's label and recomputes consensus
// in the same transaction.
func (s *server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	var req createLabelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")

		return
	}

	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

		return
	}

	ctx := r.Context()
	id := auth.FromContext(ctx)

	flags := req.EvidenceFlags
	if flags == nil {
		flags = []string{}
	}

	label := &store.Label{
		ID:            newLabelID(),
		SVID:          chi.URLParam(r, "id"),
		CuratorID:     id.ID,
		Outcome:       req.Outcome,
		Zygosity:      req.Zygosity,
		ClonalityBin:  req.ClonalityBin,
		Confidence:    req.Confidence,
		EvidenceFlags: flags,
		Notes:         req.Notes,
		CreatedAt:     time.Now().UTC(),
	}

	var agreed *store.Consensus

	err := s.store.Transaction(ctx, func(tx store.Store) error {
		if _, err := tx.GetSV(ctx, label.SVID); err != nil {
			return err
		}

		if err := tx.CreateLabel(ctx, label); err != nil {
			return err
		}

		c, err := recomputeConsensus(ctx, tx, label.SVID)
		agreed = c

		return err
	})
	if err != nil {
		s.writeStoreError(w, err, "sv not found")

		return
	}

	writeJSON(w, http.StatusCreated, createLabelResponse{Label: label, Consensus: agreed})
}

// recomputeConsensus tallies every label for svID and stores the result.
func recomputeConsensus(
	ctx context.Context, tx store.Store, svID string,
) (*store.Consensus, error) {
	labels, err := tx.ListLabels(ctx, svID)
	if err != nil {
		return nil, err
	}

	votes := make([]consensus.Vote, 0, len(labels))
	for _, l := range labels {
		votes = append(votes, consensus.Vote{
			CuratorID: l.CuratorID,
			Outcome:   l.Outcome,
			At:        l.CreatedAt,
		})
	}

	result, ok := consensus.Compute(votes)
	if !ok {
		return nil, nil
	}

	c := &store.Consensus{
		SVID:      svID,
		Label:     result.Label,
		Prob:      result.Prob,
		NCurators: result.NCurators,
		Method:    result.Method,
	}

	if err := tx.UpsertConsensus(ctx, c); err != nil {
		return nil, err
	}

	return c, nil
}

// handleGetConsensus returns the aggregated label for an SV.
func (s *server) handleGetConsensus(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetConsensus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "no consensus for sv")

		return
	}

	writeJSON(w, http.StatusOK, c)
}

// writeStoreError maps store sentinels to 404/409 and everything else
// through the auth classifier.
func (s *server) writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, notFoundMsg)
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, codeConflict, "already exists")
	default:
		s.writeAuthError(w, err)
	}
}

func newLabelID() string {
	return "lab_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
