package postgres

import (
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/internal/codec"
)

const (
	dialectPostgres = "postgres"

	colPosition      = "position"
	colID            = "id"
	colAggregateType = "aggregate_type"
	colAggregateID   = "aggregate_id"
	colVersion       = "version"
	colEventType     = "event_type"
	colCommitID      = "commit_id"
	colHeaders       = "headers"
	colOccurredAt    = "occurred_at"
	colData          = "data"
	colConsumer      = "consumer"
	colUpdatedAt     = "updated_at"

	cteContext = "context"
	cteVals    = "vals"
	aliasMaxV  = "max_version"

	castText      = "?::text"
	castBigint    = "?::bigint"
	castTimestamp = "?::timestamp with time zone"
	castJsonb     = "?::jsonb"
)

var ErrBuildingQueryFailed = errors.New("building query failed")

var envelopeCols = []any{
	colPosition, colID, colAggregateType, colAggregateID, colVersion,
	colEventType, colCommitID, colHeaders, colOccurredAt, colData,
}

var insertCols = []any{
	colID, colAggregateType, colAggregateID, colVersion,
	colEventType, colCommitID, colHeaders, colOccurredAt, colData,
}

func dialect() goqu.DialectWrapper { return goqu.Dialect(dialectPostgres) }

func streamEx(aggType, aggID string) goqu.Ex {
	return goqu.Ex{colAggregateType: aggType, colAggregateID: aggID}
}

func toSQL(ds interface {
	ToSQL() (string, []any, error)
}) (string, error) {
	q, _, err := ds.ToSQL()
	if err != nil {
		return "", errors.Join(ErrBuildingQueryFailed, err)
	}
	return q, nil
}

func buildReadQuery(table, aggType, aggID string, r es.ReadOptions) (string, error) {
	where := []exp.Expression{streamEx(aggType, aggID)}
	if r.FromVersion > 0 {
		where = append(where, goqu.C(colVersion).Gte(int64(r.FromVersion)))
	}
	if r.FromPosition > 0 {
		where = append(where, goqu.C(colPosition).Gte(r.FromPosition))
	}
	return toSQL(dialect().
		From(table).
		Select(envelopeCols...).
		Where(where...).
		Order(goqu.C(colVersion).Asc()))
}

func buildLastQuery(table, aggType, aggID string) (string, error) {
	return toSQL(dialect().
		From(table).
		Select(colVersion, colCommitID, colPosition).
		Where(streamEx(aggType, aggID)).
		Order(goqu.C(colVersion).Desc()).
		Limit(1))
}

// buildAppendQuery inserts events only if the stream is still at expected.
// The version check and the insert run in one statement; the unique
// (type, id, version) index catches writers racing past the check.
func buildAppendQuery(table string, expected es.Version, events []es.Envelope) (string, error) {
	if len(events) == 0 {
		return "", es.ErrStoreNoEvents
	}
	b := dialect()

	first := events[0]
	cte := b.From(table).
		Select(goqu.COALESCE(goqu.MAX(colVersion), 0).As(aliasMaxV)).
		Where(streamEx(first.AggregateType, first.AggregateID))

	var vals *goqu.SelectDataset
	for _, e := range events {
		headers, err := codec.JSON.Marshal(e.Headers)
		if err != nil {
			return "", fmt.Errorf("encode headers: %w", err)
		}
		if e.Headers == nil {
			headers = []byte("{}")
		}
		row := b.Select(
			goqu.L(castText, e.ID).As(colID),
			goqu.L(castText, e.AggregateType).As(colAggregateType),
			goqu.L(castText, e.AggregateID).As(colAggregateID),
			goqu.L(castBigint, int64(e.Version)).As(colVersion),
			goqu.L(castText, e.Type).As(colEventType),
			goqu.L(castText, e.CommitID).As(colCommitID),
			goqu.L(castJsonb, string(headers)).As(colHeaders),
			goqu.L(castTimestamp, e.OccurredAt).As(colOccurredAt),
			goqu.L(castJsonb, string(e.Data)).As(colData),
		)
		if vals == nil {
			vals = row
		} else {
			vals = vals.UnionAll(row)
		}
	}

	selectCols := make([]any, len(insertCols))
	for i, c := range insertCols {
		selectCols[i] = goqu.I(cteVals + "." + c.(string))
	}

	return toSQL(b.
		Insert(table).
		Cols(insertCols...).
		With(cteContext, cte).
		With(cteVals, vals).
		FromQuery(
			b.From(cteContext, cteVals).
				Select(selectCols...).
				Where(goqu.I(cteContext + "." + aliasMaxV).Eq(int64(expected))).
				Order(goqu.I(cteVals + "." + colVersion).Asc()),
		).
		Returning(colPosition))
}

func filterExpression(filters []es.SubscribeFilter) exp.Expression {
	if len(filters) == 0 {
		return nil
	}
	or := make([]exp.Expression, 0, len(filters))
	for _, f := range filters {
		ex := goqu.Ex{}
		if f.AggregateType != "" {
			ex[colAggregateType] = f.AggregateType
		}
		if f.AggregateID != "" {
			ex[colAggregateID] = f.AggregateID
		}
		or = append(or, ex)
	}
	return goqu.Or(or...)
}

func buildPollQuery(table string, after int64, filters []es.SubscribeFilter, limit uint) (string, error) {
	ds := dialect().
		From(table).
		Select(envelopeCols...).
		Where(goqu.C(colPosition).Gt(after)).
		Order(goqu.C(colPosition).Asc()).
		Limit(limit)
	if f := filterExpression(filters); f != nil {
		ds = ds.Where(f)
	}
	return toSQL(ds)
}

func buildMaxPositionQuery(table string, filters []es.SubscribeFilter) (string, error) {
	ds := dialect().
		From(table).
		Select(goqu.COALESCE(goqu.MAX(colPosition), 0))
	if f := filterExpression(filters); f != nil {
		ds = ds.Where(f)
	}
	return toSQL(ds)
}

func buildSaveCheckpointQuery(table, consumer string, position int64) (string, error) {
	return toSQL(dialect().
		Insert(table).
		Rows(goqu.Record{colConsumer: consumer, colPosition: position}).
		OnConflict(goqu.DoUpdate(colConsumer, goqu.Record{
			colPosition:  goqu.L("EXCLUDED." + colPosition),
			colUpdatedAt: goqu.L("now()"),
		})))
}

func buildLoadCheckpointQuery(table, consumer string) (string, error) {
	return toSQL(dialect().
		From(table).
		Select(colPosition).
		Where(goqu.Ex{colConsumer: consumer}))
}
