package irodswire

import (
	goerrors "errors"

	"github.com/datagrid-go/irodswire/codes"
	"github.com/datagrid-go/irodswire/errors"
	"github.com/datagrid-go/irodswire/pkg/tag"
)

// DefaultQueryPageSize is the number of rows requested per page when the
// query descriptor does not specify one.
const DefaultQueryPageSize = 500

// zoneKeyword conveys the target zone of a federated query.
const zoneKeyword = "zone"

// QuerySelect selects a catalog column, optionally through an aggregation
// function. The domain layer owns the column id tables; this core forwards
// them untouched.
type QuerySelect struct {
	Column    int32
	Aggregate int32
}

// QueryCondition constrains a catalog column with a pre-built condition
// string, e.g. "= 'rods'". Query string construction is the domain layer's
// responsibility.
type QueryCondition struct {
	Column    int32
	Condition string
}

// Query is an already-built catalog query descriptor.
type Query struct {
	Selects    []QuerySelect
	Conditions []QueryCondition
	PageSize   int
}

func (query Query) pageSize() int {
	if query.PageSize <= 0 {
		return DefaultQueryPageSize
	}

	return query.PageSize
}

// ResultSet holds one page of catalog query results together with the
// continuation handle of the server-side cursor. The cursor is bound to the
// connection that created it and must be exhausted or closed before that
// connection is released to a pool.
type ResultSet struct {
	Rows [][]string

	// ContinuationIndex is the opaque server cursor token. Zero marks the
	// cursor as exhausted.
	ContinuationIndex int32

	// TotalRowCount is the server-reported total when available, zero
	// otherwise.
	TotalRowCount int64

	query  Query
	zone   string
	closed bool
}

// HasMoreRecords reports whether the server-side cursor is still open.
func (result *ResultSet) HasMoreRecords() bool {
	return !result.closed && result.ContinuationIndex > 0
}

// QueryExecutor issues catalog queries over one protocol instance and
// manages cursor continuation, offset paging and cursor closing.
type QueryExecutor struct {
	protocol *Protocol
}

// NewQueryExecutor constructs a query executor bound to the given protocol
// instance.
func NewQueryExecutor(protocol *Protocol) *QueryExecutor {
	return &QueryExecutor{protocol: protocol}
}

// ExecuteQuery starts a fresh catalog query and returns the first page. The
// underlying server-side cursor remains open when more rows are available;
// the caller either pages it to exhaustion with GetMoreResults or releases
// it with CloseResults.
func (executor *QueryExecutor) ExecuteQuery(query Query, continuationIndex int32) (*ResultSet, error) {
	return executor.ExecuteQueryInZone(query, continuationIndex, "")
}

// ExecuteQueryInZone behaves as ExecuteQuery targeted at the given federated
// zone. A blank zone means the local zone.
func (executor *QueryExecutor) ExecuteQueryInZone(query Query, continuationIndex int32, zone string) (*ResultSet, error) {
	return executor.execute(query, continuationIndex, 0, zone)
}

// ExecuteQueryWithPaging begins a new query offset by the given number of
// rows. This re-runs the query from an absolute row offset rather than
// continuing a saved server cursor.
func (executor *QueryExecutor) ExecuteQueryWithPaging(query Query, partialStartIndex int64) (*ResultSet, error) {
	return executor.ExecuteQueryWithPagingInZone(query, partialStartIndex, "")
}

// ExecuteQueryWithPagingInZone behaves as ExecuteQueryWithPaging targeted at
// the given federated zone.
func (executor *QueryExecutor) ExecuteQueryWithPagingInZone(query Query, partialStartIndex int64, zone string) (*ResultSet, error) {
	return executor.execute(query, 0, partialStartIndex, zone)
}

// GetMoreResults continues a still-open cursor from a prior ExecuteQuery and
// returns the next page.
func (executor *QueryExecutor) GetMoreResults(result *ResultSet) (*ResultSet, error) {
	return executor.GetMoreResultsInZone(result, result.zone)
}

// GetMoreResultsInZone behaves as GetMoreResults targeted at the given
// federated zone.
func (executor *QueryExecutor) GetMoreResultsInZone(result *ResultSet, zone string) (*ResultSet, error) {
	if !result.HasMoreRecords() {
		return nil, errors.NewNoOpenCursor()
	}

	next, err := executor.execute(result.query, result.ContinuationIndex, 0, zone)
	if err != nil {
		return nil, err
	}

	if next.ContinuationIndex == 0 {
		// The server closed the cursor with this page; mark the originating
		// result so further continuation attempts fail locally.
		result.closed = true
	}

	return next, nil
}

// CloseResults explicitly releases the server-side cursor behind the given
// result set. Calling it on an already-exhausted or closed result is a safe
// no-op.
func (executor *QueryExecutor) CloseResults(result *ResultSet) error {
	if !result.HasMoreRecords() {
		return nil
	}

	// A zero-row continuation instructs the server to release the cursor.
	if _, err := executor.query(result.query, 0, result.ContinuationIndex, 0, result.zone); err != nil {
		if errors.GetCode(err) == codes.CatNoRowsFound {
			result.closed = true
			return nil
		}

		return err
	}

	result.closed = true
	return nil
}

// ExecuteQueryAndCloseResult fetches one page at the given offset and
// immediately releases the server-side cursor. Appropriate for stateless
// connection-per-request usage; GetMoreResults on the returned result fails
// with a no-open-cursor error.
func (executor *QueryExecutor) ExecuteQueryAndCloseResult(query Query, partialStartIndex int64) (*ResultSet, error) {
	return executor.ExecuteQueryAndCloseResultInZone(query, partialStartIndex, "")
}

// ExecuteQueryAndCloseResultInZone behaves as ExecuteQueryAndCloseResult
// targeted at the given federated zone.
func (executor *QueryExecutor) ExecuteQueryAndCloseResultInZone(query Query, partialStartIndex int64, zone string) (*ResultSet, error) {
	result, err := executor.execute(query, 0, partialStartIndex, zone)
	if err != nil {
		return nil, err
	}

	if err := executor.CloseResults(result); err != nil {
		return nil, err
	}

	result.ContinuationIndex = 0
	return result, nil
}

func (executor *QueryExecutor) execute(query Query, continuationIndex int32, partialStartIndex int64, zone string) (*ResultSet, error) {
	reply, err := executor.query(query, int64(query.pageSize()), continuationIndex, partialStartIndex, zone)
	if err != nil {
		if errors.GetCode(err) == codes.CatNoRowsFound {
			// An empty catalog answer is an exhausted page, not a failure.
			return &ResultSet{query: query, zone: zone}, nil
		}

		return nil, err
	}

	result, err := parseResultSet(reply)
	if err != nil {
		return nil, err
	}

	result.query = query
	result.zone = zone
	return result, nil
}

// query frames and sends one general query instruction.
func (executor *QueryExecutor) query(query Query, maxRows int64, continuationIndex int32, partialStartIndex int64, zone string) (*tag.Tag, error) {
	keywords := []tag.Tag{tag.NewInt("ssLen", 0)}
	if zone != "" {
		keywords = []tag.Tag{
			tag.NewInt("ssLen", 1),
			tag.NewValue("keyWord", zoneKeyword),
			tag.NewValue("svalue", zone),
		}
	}

	selects := []tag.Tag{tag.NewInt("iiLen", int64(len(query.Selects)))}
	for _, sel := range query.Selects {
		selects = append(selects, tag.NewInt("inx", int64(sel.Column)))
	}
	for _, sel := range query.Selects {
		aggregate := sel.Aggregate
		if aggregate == 0 {
			aggregate = 1
		}
		selects = append(selects, tag.NewInt("ivalue", int64(aggregate)))
	}

	conditions := []tag.Tag{tag.NewInt("isLen", int64(len(query.Conditions)))}
	for _, condition := range query.Conditions {
		conditions = append(conditions, tag.NewInt("inx", int64(condition.Column)))
	}
	for _, condition := range query.Conditions {
		conditions = append(conditions, tag.NewValue("svalue", condition.Condition))
	}

	message := tag.New("GenQueryInp_PI",
		tag.NewInt("maxRows", maxRows),
		tag.NewInt("continueInx", int64(continuationIndex)),
		tag.NewInt("partialStartIndex", partialStartIndex),
		tag.NewInt("options", 0),
		tag.New("KeyValPair_PI", keywords...),
		tag.New("InxIvalPair_PI", selects...),
		tag.New("InxValPair_PI", conditions...),
	)

	return executor.protocol.Call(RequestAPI, &message, nil, nil, apiGenQuery)
}

// parseResultSet assembles the row-major result set out of the column-major
// query reply.
func parseResultSet(reply *tag.Tag) (*ResultSet, error) {
	if reply == nil || reply.Name != "GenQueryOut_PI" {
		return nil, errors.NewProtocol(codes.SysBadFormat, "malformed query response")
	}

	rowCount := int(reply.Int("rowCnt"))
	attributeCount := int(reply.Int("attriCnt"))

	if rowCount < 0 || attributeCount < 0 {
		return nil, errors.NewProtocol(codes.SysBadFormat, "query response reports negative counts")
	}

	columns := make([][]string, 0, attributeCount)
	for i := range reply.Children {
		child := &reply.Children[i]
		if child.Name != "SqlResult_PI" {
			continue
		}

		var values []string
		for _, grandchild := range child.Children {
			if grandchild.Name == "value" {
				values = append(values, grandchild.Value)
			}
		}

		if len(values) < rowCount {
			return nil, errors.NewProtocol(codes.SysBadFormat, "query response column holds too few values")
		}

		columns = append(columns, values)

		if len(columns) == attributeCount {
			break
		}
	}

	if len(columns) != attributeCount {
		return nil, errors.NewProtocol(codes.SysBadFormat, "query response is missing columns")
	}

	rows := make([][]string, rowCount)
	for i := 0; i < rowCount; i++ {
		row := make([]string, attributeCount)
		for j := 0; j < attributeCount; j++ {
			row[j] = columns[j][i]
		}
		rows[i] = row
	}

	return &ResultSet{
		Rows:              rows,
		ContinuationIndex: int32(reply.Int("continueInx")),
		TotalRowCount:     reply.Int("totalRowCount"),
	}, nil
}

// IsNoOpenCursor reports whether the given error indicates a continuation
// attempt on a closed or exhausted cursor.
func IsNoOpenCursor(err error) bool {
	return goerrors.Is(err, errors.ErrClosedCursor)
}
