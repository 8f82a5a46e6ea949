package pgsession

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// FrontendSender is the minimal wire-write surface a Query needs to
// submit itself; satisfied by *pgproto3.Frontend.
type FrontendSender interface {
	Send(msg pgproto3.FrontendMessage)
	Flush() error
}

// Query is the contract the session delegates one query's wire traffic
// to. Any type satisfying Query can be passed to Session.Query;
// SimpleQuery and ExtendedQuery are the bundled implementations.
type Query interface {
	// Submit writes this query's frames to the wire and flushes them. A
	// non-nil error here is a preflight/encode failure, not a backend
	// error — the session treats it as an immediate query failure.
	Submit(w FrontendSender) error

	HandleRowDescription(*pgproto3.RowDescription)
	HandleDataRow(*pgproto3.DataRow)
	HandlePortalSuspended(*pgproto3.PortalSuspended)
	HandleEmptyQueryResponse(*pgproto3.EmptyQueryResponse)
	HandleCommandComplete(*pgproto3.CommandComplete)
	HandleCopyInResponse(*pgproto3.CopyInResponse)
	HandleCopyData(*pgproto3.CopyData)

	// PreparedText returns the statement name and text to remember once
	// ParseComplete arrives, so a later query naming the same statement
	// can skip re-parsing. Returns ("", "") for queries that don't use a
	// named prepared statement.
	PreparedText() (name, text string)

	// Result returns the accumulator this query has been writing into.
	// Called once the query's response window has closed.
	Result() *Result
}

// Column describes one result column, taken from RowDescription.
type Column struct {
	Name         string
	TableOID     uint32
	DataTypeOID  uint32
	DataTypeSize int16
	Format       int16
}

// Row is one result row. Raw holds the wire bytes (nil element = SQL
// NULL), copied out of pgproto3's reused buffers so they survive past the
// next message. Parsed is populated only when a TypeParser was supplied.
type Row struct {
	Raw    [][]byte
	Parsed []any
}

// Result accumulates everything one query's response window produced.
type Result struct {
	Columns    []Column
	Rows       []Row
	CommandTag string
	EmptyQuery bool
	Suspended  bool
}

// queryBase implements the bookkeeping shared by SimpleQuery and
// ExtendedQuery: turning RowDescription/DataRow/CommandComplete into a
// Result.
type queryBase struct {
	statementName string
	statementText string
	binary        bool
	types         TypeParser

	result Result
}

func newQueryBase(statementName, statementText string, binary bool, types TypeParser) queryBase {
	return queryBase{
		statementName: statementName,
		statementText: statementText,
		binary:        binary,
		types:         types,
	}
}

func (q *queryBase) PreparedText() (string, string) { return q.statementName, q.statementText }

func (q *queryBase) Result() *Result { return &q.result }

func (q *queryBase) HandleRowDescription(msg *pgproto3.RowDescription) {
	q.result.Columns = make([]Column, len(msg.Fields))
	for i, f := range msg.Fields {
		q.result.Columns[i] = Column{
			Name:         string(f.Name),
			TableOID:     f.TableOID,
			DataTypeOID:  f.DataTypeOID,
			DataTypeSize: f.DataTypeSize,
			Format:       f.Format,
		}
	}
}

func (q *queryBase) HandleDataRow(msg *pgproto3.DataRow) {
	raw := make([][]byte, len(msg.Values))
	for i, v := range msg.Values {
		if v == nil {
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		raw[i] = cp
	}

	row := Row{Raw: raw}
	if q.types != nil {
		row.Parsed = make([]any, len(raw))
		for i, v := range raw {
			if v == nil {
				continue
			}
			var oid uint32
			if i < len(q.result.Columns) {
				oid = q.result.Columns[i].DataTypeOID
			}
			parsed, err := q.types(oid, v, q.binary)
			if err != nil {
				continue
			}
			row.Parsed[i] = parsed
		}
	}
	q.result.Rows = append(q.result.Rows, row)
}

func (q *queryBase) HandlePortalSuspended(*pgproto3.PortalSuspended) { q.result.Suspended = true }

func (q *queryBase) HandleEmptyQueryResponse(*pgproto3.EmptyQueryResponse) {
	q.result.EmptyQuery = true
}

func (q *queryBase) HandleCommandComplete(msg *pgproto3.CommandComplete) {
	q.result.CommandTag = string(msg.CommandTag)
}

func (q *queryBase) HandleCopyInResponse(*pgproto3.CopyInResponse) {}
func (q *queryBase) HandleCopyData(*pgproto3.CopyData)             {}

// SimpleQuery runs plain SQL text over the simple query protocol ('Q').
// It never uses a prepared statement and takes no parameters.
type SimpleQuery struct {
	queryBase
	Text string
}

// NewSimpleQuery builds a SimpleQuery for the given SQL text.
func NewSimpleQuery(text string) *SimpleQuery {
	return &SimpleQuery{
		queryBase: newQueryBase("", "", false, nil),
		Text:      text,
	}
}

func (q *SimpleQuery) Submit(w FrontendSender) error {
	w.Send(&pgproto3.Query{String: q.Text})
	return w.Flush()
}

// ExtendedQuery runs a parameterized statement over the extended protocol
// (Parse/Bind/Execute/Sync). When StatementName is non-empty and the
// session already has that name parsed with matching text, the session
// skips re-sending Parse.
type ExtendedQuery struct {
	queryBase
	Text          string
	StatementName string
	ParamOIDs     []uint32
	Params        [][]byte

	// SkipParse is set by the session immediately before Submit when this
	// statement name is already known with matching text.
	SkipParse bool
}

// NewExtendedQuery builds an ExtendedQuery. statementName may be "" for an
// unnamed (once-off) prepared statement.
func NewExtendedQuery(statementName, text string, paramOIDs []uint32, params [][]byte, binary bool, types TypeParser) *ExtendedQuery {
	return &ExtendedQuery{
		queryBase:     newQueryBase(statementName, text, binary, types),
		Text:          text,
		StatementName: statementName,
		ParamOIDs:     paramOIDs,
		Params:        params,
	}
}

func (q *ExtendedQuery) Submit(w FrontendSender) error {
	if !q.SkipParse {
		w.Send(&pgproto3.Parse{Name: q.StatementName, Query: q.Text, ParameterOIDs: q.ParamOIDs})
	}

	paramFormats := make([]int16, len(q.Params))
	resultFormat := int16(0)
	if q.binary {
		resultFormat = 1
	}

	w.Send(&pgproto3.Bind{
		DestinationPortal:    "",
		PreparedStatement:    q.StatementName,
		ParameterFormatCodes: paramFormats,
		Parameters:           q.Params,
		ResultFormatCodes:    []int16{resultFormat},
	})
	w.Send(&pgproto3.Execute{Portal: ""})
	w.Send(&pgproto3.Sync{})

	if err := w.Flush(); err != nil {
		return fmt.Errorf("pgsession: submitting extended query: %w", err)
	}
	return nil
}
