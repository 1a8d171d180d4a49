// Package mongosource reads MongoDB collections page by page.
//
// Pages are cut with keyset pagination on _id: each page is sorted by _id
// and starts after the last _id of the previous page. The continuation token
// carries that _id encoded as base64 BSON so any _id type survives the trip.
// Query takes an extended JSON filter in Request.Condition and ANDs it with
// the keyset filter.
package mongosource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/Sternrassler/queue-source/pkg/feeder"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultPageSize is used when a request carries no limit.
const DefaultPageSize = 100

// ErrInvalidToken is returned for tokens not produced by this package.
var ErrInvalidToken = errors.New("invalid mongo continuation token")

// Source implements feeder.Client over a MongoDB database. Request.Target
// names the collection.
type Source struct {
	db     *mongo.Database
	logger zerolog.Logger
}

// New creates a source reading collections of db.
func New(db *mongo.Database) *Source {
	if db == nil {
		panic("mongo database cannot be nil")
	}
	return &Source{
		db:     db,
		logger: log.With().Str("component", "mongo-source").Str("database", db.Name()).Logger(),
	}
}

// Scan implements feeder.Client.
func (s *Source) Scan(ctx context.Context, req feeder.Request) (feeder.Page[bson.Raw], error) {
	filter, err := buildFilter(req, nil)
	if err != nil {
		return feeder.Page[bson.Raw]{}, err
	}
	return s.find(ctx, req, filter)
}

// Query implements feeder.Client.
func (s *Source) Query(ctx context.Context, req feeder.Request) (feeder.Page[bson.Raw], error) {
	var cond bson.D
	if req.Condition != "" {
		if err := bson.UnmarshalExtJSON([]byte(req.Condition), false, &cond); err != nil {
			return feeder.Page[bson.Raw]{}, fmt.Errorf("parse mongo filter: %w", err)
		}
	}
	filter, err := buildFilter(req, cond)
	if err != nil {
		return feeder.Page[bson.Raw]{}, err
	}
	return s.find(ctx, req, filter)
}

func (s *Source) find(ctx context.Context, req feeder.Request, filter bson.D) (feeder.Page[bson.Raw], error) {
	if req.Target == "" {
		return feeder.Page[bson.Raw]{}, errors.New("mongo find: collection is required")
	}

	limit := pageSize(req)
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := s.db.Collection(req.Target).Find(ctx, filter, opts)
	if err != nil {
		return feeder.Page[bson.Raw]{}, fmt.Errorf("mongo find %s: %w", req.Target, err)
	}

	var docs []bson.Raw
	if err := cur.All(ctx, &docs); err != nil {
		return feeder.Page[bson.Raw]{}, fmt.Errorf("mongo cursor %s: %w", req.Target, err)
	}

	page := feeder.Page[bson.Raw]{Items: docs}
	if len(docs) == limit {
		tok, err := encodeToken(docs[len(docs)-1])
		if err != nil {
			return feeder.Page[bson.Raw]{}, err
		}
		page.Next = tok
	}

	s.logger.Debug().
		Str("collection", req.Target).
		Int("documents", len(docs)).
		Bool("more", page.Next != nil).
		Msg("Fetched page")

	return page, nil
}

func pageSize(req feeder.Request) int {
	if req.Limit > 0 {
		return req.Limit
	}
	return DefaultPageSize
}

// buildFilter combines the keyset bound from the start token with cond.
func buildFilter(req feeder.Request, cond bson.D) (bson.D, error) {
	if req.StartToken == nil {
		if cond == nil {
			return bson.D{}, nil
		}
		return cond, nil
	}

	after, err := decodeToken(*req.StartToken)
	if err != nil {
		return nil, err
	}
	keyset := bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: after}}}}
	if len(cond) == 0 {
		return keyset, nil
	}
	return bson.D{{Key: "$and", Value: bson.A{cond, keyset}}}, nil
}

func encodeToken(doc bson.Raw) (*feeder.Token, error) {
	id, err := doc.LookupErr("_id")
	if err != nil {
		return nil, fmt.Errorf("document without _id: %w", err)
	}
	b, err := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	return feeder.NewToken(base64.RawURLEncoding.EncodeToString(b)), nil
}

func decodeToken(tok feeder.Token) (bson.RawValue, error) {
	b, err := base64.RawURLEncoding.DecodeString(string(tok))
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	raw := bson.Raw(b)
	if err := raw.Validate(); err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, err := raw.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, nil
}
