package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/interval"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

// Wire messages of the HolidayMaster service. Identifiers travel in their
// string forms; open interval bounds are omitted.

type Document struct {
	UniqueID       string          `json:"uniqueId"`
	VersionFrom    time.Time       `json:"versionFrom"`
	VersionTo      *time.Time      `json:"versionTo,omitempty"`
	CorrectionFrom time.Time       `json:"correctionFrom"`
	CorrectionTo   *time.Time      `json:"correctionTo,omitempty"`
	Holiday        json.RawMessage `json:"holiday"`
}

type AddRequest struct {
	Holiday json.RawMessage `json:"holiday"`
}

type GetRequest struct {
	UniqueID string `json:"uniqueId"`
}

type GetAtRequest struct {
	ObjectID string `json:"objectId"`
	// VersionCorrection in "V<instant|LATEST>.C<instant|LATEST>" form; empty
	// means latest.
	VersionCorrection string `json:"versionCorrection,omitempty"`
}

type WriteRequest struct {
	UniqueID string          `json:"uniqueId"`
	Holiday  json.RawMessage `json:"holiday"`
}

type DocumentResponse struct {
	Document Document `json:"document"`
}

type RemoveRequest struct {
	UniqueID string `json:"uniqueId"`
}

type RemoveResponse struct{}

type ExternalIDSearch struct {
	IDs  []ids.ExternalID `json:"ids"`
	Type string           `json:"type,omitempty"`
}

type SearchRequest struct {
	// ObjectIDs: null means any object, [] means none.
	ObjectIDs         []string          `json:"objectIds"`
	Name              string            `json:"name,omitempty"`
	Type              string            `json:"type,omitempty"`
	ExternalIDs       *ExternalIDSearch `json:"externalIds,omitempty"`
	VersionCorrection string            `json:"versionCorrection,omitempty"`
	First             int               `json:"first"`
	Size              int               `json:"size"`
	Sort              string            `json:"sort,omitempty"`
}

type SearchResponse struct {
	Documents []Document `json:"documents"`
	First     int        `json:"first"`
	Size      int        `json:"size"`
	Total     int        `json:"total"`
}

type HistoryRequest struct {
	ObjectID        string     `json:"objectId"`
	VersionsFrom    *time.Time `json:"versionsFrom,omitempty"`
	VersionsTo      *time.Time `json:"versionsTo,omitempty"`
	CorrectionsFrom *time.Time `json:"correctionsFrom,omitempty"`
	CorrectionsTo   *time.Time `json:"correctionsTo,omitempty"`
}

type HistoryResponse struct {
	Documents []Document `json:"documents"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func bound(t time.Time) *time.Time {
	if t.Equal(document.FarFuture) {
		return nil
	}
	return &t
}

func unbound(t *time.Time) time.Time {
	if t == nil {
		return document.FarFuture
	}
	return document.Normalize(*t)
}

func orZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func toMessage(doc document.Document[holiday.Holiday]) (Document, error) {
	payload, err := json.Marshal(doc.Payload)
	if err != nil {
		return Document{}, err
	}
	return Document{
		UniqueID:       doc.UniqueID.String(),
		VersionFrom:    doc.VersionFrom,
		VersionTo:      bound(doc.VersionTo),
		CorrectionFrom: doc.CorrectionFrom,
		CorrectionTo:   bound(doc.CorrectionTo),
		Holiday:        payload,
	}, nil
}

func toMessages(docs []document.Document[holiday.Holiday]) ([]Document, error) {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		msg, err := toMessage(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func fromMessage(msg Document) (document.Document[holiday.Holiday], error) {
	uid, err := ids.ParseUniqueID(msg.UniqueID)
	if err != nil {
		return document.Document[holiday.Holiday]{}, err
	}
	h, err := decodeHoliday(msg.Holiday)
	if err != nil {
		return document.Document[holiday.Holiday]{}, err
	}
	return document.Document[holiday.Holiday]{
		Stamp: document.Stamp{
			UniqueID:       uid,
			VersionFrom:    document.Normalize(msg.VersionFrom),
			VersionTo:      unbound(msg.VersionTo),
			CorrectionFrom: document.Normalize(msg.CorrectionFrom),
			CorrectionTo:   unbound(msg.CorrectionTo),
		},
		Fields:  holiday.Index(h),
		Payload: h,
	}, nil
}

func fromMessages(msgs []Document) ([]document.Document[holiday.Holiday], error) {
	out := make([]document.Document[holiday.Holiday], 0, len(msgs))
	for _, msg := range msgs {
		doc, err := fromMessage(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func decodeHoliday(raw json.RawMessage) (holiday.Holiday, error) {
	var h holiday.Holiday
	if len(raw) == 0 {
		return h, fmt.Errorf("%w: holiday is required", sentinel.ErrValidation)
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("%w: holiday: %v", sentinel.ErrValidation, err)
	}
	return h, nil
}

func parseVersionCorrection(s string) (ids.VersionCorrection, error) {
	if s == "" {
		return ids.Latest, nil
	}
	return ids.ParseVersionCorrection(s)
}

func encodeSearch(req store.SearchRequest) SearchRequest {
	msg := SearchRequest{
		Name:              req.Name,
		Type:              req.Type,
		VersionCorrection: req.VersionCorrection.String(),
		First:             req.Paging.First,
		Size:              req.Paging.Size,
	}
	if req.ObjectIDs != nil {
		msg.ObjectIDs = make([]string, len(req.ObjectIDs))
		for i, oid := range req.ObjectIDs {
			msg.ObjectIDs[i] = oid.String()
		}
	}
	if req.ExternalIDs != nil {
		msg.ExternalIDs = &ExternalIDSearch{IDs: req.ExternalIDs.IDs.IDs(), Type: req.ExternalIDs.Type.String()}
	}
	if req.Sort != nil {
		msg.Sort = req.Sort.String()
	}
	return msg
}

func decodeSearch(msg SearchRequest) (store.SearchRequest, error) {
	vc, err := parseVersionCorrection(msg.VersionCorrection)
	if err != nil {
		return store.SearchRequest{}, err
	}
	sort, err := store.ParseSortOrder(msg.Sort)
	if err != nil {
		return store.SearchRequest{}, err
	}
	req := store.SearchRequest{
		Filter:            store.Filter{Name: msg.Name, Type: msg.Type},
		VersionCorrection: vc,
		Paging:            store.Paging{First: msg.First, Size: msg.Size},
		Sort:              sort,
	}
	if msg.ObjectIDs != nil {
		req.ObjectIDs = make([]ids.ObjectID, len(msg.ObjectIDs))
		for i, s := range msg.ObjectIDs {
			if req.ObjectIDs[i], err = ids.ParseObjectID(s); err != nil {
				return store.SearchRequest{}, err
			}
		}
	}
	if msg.ExternalIDs != nil {
		typ, err := ids.ParseSearchType(msg.ExternalIDs.Type)
		if err != nil {
			return store.SearchRequest{}, err
		}
		req.ExternalIDs = &ids.ExternalIDSearch{IDs: ids.NewBundle(msg.ExternalIDs.IDs...), Type: typ}
	}
	return req, nil
}

func encodeHistory(req store.HistoryRequest) HistoryRequest {
	opt := func(t time.Time) *time.Time {
		if t.IsZero() {
			return nil
		}
		return &t
	}
	return HistoryRequest{
		ObjectID:        req.ObjectID.String(),
		VersionsFrom:    opt(req.Versions.From),
		VersionsTo:      opt(req.Versions.To),
		CorrectionsFrom: opt(req.Corrections.From),
		CorrectionsTo:   opt(req.Corrections.To),
	}
}

func decodeHistory(msg HistoryRequest) (store.HistoryRequest, error) {
	oid, err := ids.ParseObjectID(msg.ObjectID)
	if err != nil {
		return store.HistoryRequest{}, err
	}
	return store.HistoryRequest{
		ObjectID:    oid,
		Versions:    interval.Between(orZero(msg.VersionsFrom), orZero(msg.VersionsTo)),
		Corrections: interval.Between(orZero(msg.CorrectionsFrom), orZero(msg.CorrectionsTo)),
	}, nil
}
