package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
)

// devAccountKey is the well-known Azurite development key.
const devAccountKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

var (
	entityPath = regexp.MustCompile(`^/(\w+)\(PartitionKey='(.*)',RowKey='(.*)'\)$`)
	queryPath  = regexp.MustCompile(`^/(\w+)\(\)$`)
	insertPath = regexp.MustCompile(`^/(\w+)$`)
)

type rowID struct {
	table, pk, rk string
}

type tableRow struct {
	props map[string]any
	etag  string
}

// tableDouble serves the subset of the Table service REST protocol the
// storage layer uses: point reads, filtered queries, upserts, deletes and
// entity group transactions.
type tableDouble struct {
	mu      sync.Mutex
	rows    map[rowID]tableRow
	version int
	batches []int
	queries int

	// beforeBatch runs before each transaction is applied.
	beforeBatch func(d *tableDouble)
}

type tableOp struct {
	method  string
	id      rowID
	ifMatch string
	props   map[string]any
}

type opError struct {
	status int
	code   string
}

func newTableStorage(t *testing.T) (*Storage, *tableDouble) {
	t.Helper()
	d := &tableDouble{rows: map[rowID]tableRow{}}
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	connStr := "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=" + devAccountKey + ";TableEndpoint=" + srv.URL
	st, err := New(connStr, TablesFromEnv(func(_, def string) string { return def }))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	return st, d
}

// onNextBatch runs fn before the next transaction is applied, once.
func (d *tableDouble) onNextBatch(fn func(d *tableDouble)) {
	var once sync.Once
	d.mu.Lock()
	defer d.mu.Unlock()
	d.beforeBatch = func(d *tableDouble) { once.Do(func() { fn(d) }) }
}

// put writes a row directly, bypassing the client.
func (d *tableDouble) put(table, pk, rk string, props map[string]any) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store(d.rows, rowID{table, pk, rk}, props)
}

func (d *tableDouble) remove(table, pk, rk string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rows, rowID{table, pk, rk})
}

func (d *tableDouble) get(table, pk, rk string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[rowID{table, pk, rk}]
	return row.props, ok
}

func (d *tableDouble) count(table, pk string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id := range d.rows {
		if id.table == table && id.pk == pk {
			n++
		}
	}
	return n
}

func (d *tableDouble) queryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}

func (d *tableDouble) batchSizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.batches...)
}

func (d *tableDouble) store(rows map[rowID]tableRow, id rowID, props map[string]any) string {
	d.version++
	etag := fmt.Sprintf(`W/"datetime'%d'"`, d.version)
	clean := map[string]any{}
	for k, v := range props {
		if k != "odata.etag" {
			clean[k] = v
		}
	}
	clean["PartitionKey"], clean["RowKey"] = id.pk, id.rk
	rows[id] = tableRow{props: clean, etag: etag}
	return etag
}

func (d *tableDouble) apply(rows map[rowID]tableRow, op tableOp) (string, *opError) {
	cur, exists := rows[op.id]
	switch op.method {
	case http.MethodPost:
		if exists {
			return "", &opError{http.StatusConflict, "EntityAlreadyExists"}
		}
		return d.store(rows, op.id, op.props), nil
	case http.MethodPut, "MERGE", http.MethodDelete:
		if op.ifMatch != "" || op.method == http.MethodDelete {
			if !exists {
				return "", &opError{http.StatusNotFound, "ResourceNotFound"}
			}
			if op.ifMatch != "*" && op.ifMatch != cur.etag {
				return "", &opError{http.StatusPreconditionFailed, "UpdateConditionNotSatisfied"}
			}
		}
		if op.method == http.MethodDelete {
			delete(rows, op.id)
			return "", nil
		}
		return d.store(rows, op.id, op.props), nil
	}
	return "", &opError{http.StatusBadRequest, "InvalidInput"}
}

func (d *tableDouble) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/$batch" {
		d.serveBatch(w, r)
		return
	}
	if m := queryPath.FindStringSubmatch(r.URL.Path); m != nil && r.Method == http.MethodGet {
		d.serveQuery(w, m[1], r.URL.Query().Get("$filter"))
		return
	}
	op, err := parseOp(r.Method, r.URL, r.Header.Get("If-Match"), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if op.method == http.MethodGet {
		row, ok := d.rows[op.id]
		if !ok {
			writeODataError(w, &opError{http.StatusNotFound, "ResourceNotFound"})
			return
		}
		w.Header().Set("ETag", row.etag)
		writeJSON(w, http.StatusOK, withETag(row))
		return
	}
	etag, opErr := d.apply(d.rows, op)
	if opErr != nil {
		writeODataError(w, opErr)
		return
	}
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *tableDouble) serveQuery(w http.ResponseWriter, table, filter string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	var ids []rowID
	for id, row := range d.rows {
		if id.table == table && matches(row.props, filter) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].pk != ids[j].pk {
			return ids[i].pk < ids[j].pk
		}
		return ids[i].rk < ids[j].rk
	})
	value := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		value = append(value, withETag(d.rows[id]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": value})
}

func (d *tableDouble) serveBatch(w http.ResponseWriter, r *http.Request) {
	ops, err := parseBatch(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	hook := d.beforeBatch
	d.mu.Unlock()
	if hook != nil {
		hook(d)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, len(ops))
	staged := maps.Clone(d.rows)
	var failed *opError
	for _, op := range ops {
		if _, failed = d.apply(staged, op); failed != nil {
			break
		}
	}
	if failed == nil {
		d.rows = staged
	}

	var body bytes.Buffer
	body.WriteString("--batchresponse_1\r\nContent-Type: multipart/mixed; boundary=changesetresponse_1\r\n\r\n")
	if failed != nil {
		payload, _ := json.Marshal(odataError(failed))
		fmt.Fprintf(&body, "--changesetresponse_1\r\nContent-Type: application/http\r\nContent-Transfer-Encoding: binary\r\n\r\n"+
			"HTTP/1.1 %d %s\r\nContent-Type: application/json;odata=minimalmetadata;streaming=true;charset=utf-8\r\n\r\n%s\r\n",
			failed.status, http.StatusText(failed.status), payload)
	} else {
		for range ops {
			body.WriteString("--changesetresponse_1\r\nContent-Type: application/http\r\nContent-Transfer-Encoding: binary\r\n\r\n" +
				"HTTP/1.1 204 No Content\r\n\r\n\r\n")
		}
	}
	body.WriteString("--changesetresponse_1--\r\n--batchresponse_1--\r\n")
	w.Header().Set("Content-Type", "multipart/mixed; boundary=batchresponse_1")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(body.Bytes())
}

// parseBatch reads the changeset of a $batch request into operations.
func parseBatch(r *http.Request) ([]tableOp, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	outer, err := multipart.NewReader(r.Body, params["boundary"]).NextPart()
	if err != nil {
		return nil, err
	}
	_, params, err = mime.ParseMediaType(outer.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	changeset := multipart.NewReader(outer, params["boundary"])
	var ops []tableOp
	for {
		part, err := changeset.NextPart()
		if err == io.EOF {
			return ops, nil
		}
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(part)
		if err != nil {
			return nil, err
		}
		head, body, _ := strings.Cut(string(raw), "\r\n\r\n")
		lines := strings.Split(head, "\r\n")
		fields := strings.Fields(lines[0])
		if len(fields) < 2 {
			return nil, fmt.Errorf("bad request line %q", lines[0])
		}
		u, err := url.Parse(fields[1])
		if err != nil {
			return nil, err
		}
		var match string
		for _, h := range lines[1:] {
			if k, v, ok := strings.Cut(h, ": "); ok && strings.EqualFold(k, "If-Match") {
				match = v
			}
		}
		op, err := parseOp(fields[0], u, match, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
}

func parseOp(method string, u *url.URL, match string, body io.Reader) (tableOp, error) {
	op := tableOp{method: method, ifMatch: match}
	if m := entityPath.FindStringSubmatch(u.Path); m != nil {
		op.id = rowID{m[1], unquote(m[2]), unquote(m[3])}
	} else if m := insertPath.FindStringSubmatch(u.Path); m != nil && method == http.MethodPost {
		op.id.table = m[1]
	} else {
		return op, fmt.Errorf("unsupported path %s", u.Path)
	}
	if method == http.MethodGet || method == http.MethodDelete {
		return op, nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return op, err
	}
	if err := json.Unmarshal(raw, &op.props); err != nil {
		return op, err
	}
	if op.id.pk == "" && op.id.rk == "" {
		op.id.pk, _ = op.props["PartitionKey"].(string)
		op.id.rk, _ = op.props["RowKey"].(string)
	}
	return op, nil
}

// matches evaluates the "Prop eq 'v' and Prop ne 'v'" filters used by the
// storage layer.
func matches(props map[string]any, filter string) bool {
	if filter == "" {
		return true
	}
	for _, clause := range strings.Split(filter, " and ") {
		parts := strings.SplitN(strings.TrimSpace(clause), " ", 3)
		if len(parts) != 3 {
			return false
		}
		got := fmt.Sprint(props[parts[0]])
		want := unquote(strings.Trim(parts[2], "'"))
		switch parts[1] {
		case "eq":
			if got != want {
				return false
			}
		case "ne":
			if got == want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func unquote(s string) string {
	return strings.ReplaceAll(s, "''", "'")
}

func withETag(row tableRow) map[string]any {
	out := maps.Clone(row.props)
	out["odata.etag"] = row.etag
	return out
}

func odataError(e *opError) map[string]any {
	return map[string]any{"odata.error": map[string]any{
		"code":    e.code,
		"message": map[string]any{"lang": "en-US", "value": e.code},
	}}
}

func writeODataError(w http.ResponseWriter, e *opError) {
	w.Header().Set("x-ms-error-code", e.code)
	writeJSON(w, e.status, odataError(e))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;odata=minimalmetadata;streaming=true;charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
