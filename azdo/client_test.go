package azdo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
)

type recordedRequest struct {
	Method        string
	Path          string
	Query         map[string]string
	Authorization string
	ContentType   string
	Body          []byte
}

// fakeADO is a scripted Azure DevOps endpoint. Each handler call records
// the request and answers with the configured status and body.
func fakeADO(t *testing.T, status int, body any) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var recorded []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         map[string]string{},
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
		}
		for k := range r.URL.Query() {
			rec.Query[k] = r.URL.Query().Get(k)
		}
		rec.Body, _ = io.ReadAll(r.Body)
		recorded = append(recorded, rec)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &recorded
}

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient("contoso", NewPATCredential("secret-pat"),
		WithBaseURL(srv.URL),
		WithRateLimit(1000, 100),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestGetWorkItem(t *testing.T) {
	srv, recorded := fakeADO(t, http.StatusOK, WorkItem{
		ID:  42,
		Rev: 3,
		Fields: map[string]any{
			"System.Title": "Fix the flaky test",
			"System.State": "Active",
		},
	})
	c := testClient(t, srv)

	wi, err := c.GetWorkItem(context.Background(), "Fabrikam", 42, "relations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if wi.ID != 42 || wi.Fields["System.Title"] != "Fix the flaky test" {
		t.Fatalf("unexpected work item: %+v", wi)
	}

	req := (*recorded)[0]
	if want := "/contoso/Fabrikam/_apis/wit/workitems/42"; req.Path != want {
		t.Fatalf("unexpected path: want %q got %q", want, req.Path)
	}
	if req.Query["api-version"] != "7.1" {
		t.Fatalf("missing api-version: %v", req.Query)
	}
	if req.Query["$expand"] != "relations" {
		t.Fatalf("missing $expand: %v", req.Query)
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(":secret-pat"))
	if req.Authorization != wantAuth {
		t.Fatalf("unexpected authorization: %q", req.Authorization)
	}
}

func TestAuthorizationOverride(t *testing.T) {
	srv, recorded := fakeADO(t, http.StatusOK, WorkItem{ID: 1})
	c := testClient(t, srv)

	ctx := WithAuthorization(context.Background(), "Bearer caller-token")
	if _, err := c.GetWorkItem(ctx, "Fabrikam", 1, ""); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := (*recorded)[0].Authorization; got != "Bearer caller-token" {
		t.Fatalf("expected the forwarded header, got %q", got)
	}
}

func TestAPIErrorParsing(t *testing.T) {
	srv, _ := fakeADO(t, http.StatusNotFound, map[string]string{
		"message": "TF401232: Work item 99 does not exist.",
		"typeKey": "WorkItemNotFoundException",
	})
	c := testClient(t, srv)

	_, err := c.GetWorkItem(context.Background(), "Fabrikam", 99, "")
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !IsNotFound(err) {
		t.Fatalf("expected a not-found error, got %v", err)
	}
	if !strings.Contains(err.Error(), "TF401232") {
		t.Fatalf("service message lost: %v", err)
	}
}

func TestGetWorkItemsBatch(t *testing.T) {
	srv, recorded := fakeADO(t, http.StatusOK, map[string]any{
		"count": 2,
		"value": []WorkItem{{ID: 1}, {ID: 2}},
	})
	c := testClient(t, srv)

	items, err := c.GetWorkItemsBatch(context.Background(), "Fabrikam", []int{1, 2}, []string{"System.Title"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("want 2 items, got %d", len(items))
	}

	req := (*recorded)[0]
	if req.Method != http.MethodPost {
		t.Fatalf("want POST, got %s", req.Method)
	}
	var body struct {
		IDs    []int    `json:"ids"`
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2}, body.IDs); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.GetWorkItemsBatch(context.Background(), "Fabrikam", nil, nil); err == nil {
		t.Fatalf("empty id list must be rejected")
	}
	tooMany := make([]int, 201)
	if _, err := c.GetWorkItemsBatch(context.Background(), "Fabrikam", tooMany, nil); err == nil {
		t.Fatalf("oversized batch must be rejected")
	}
}

func TestCreateWorkItem(t *testing.T) {
	srv, recorded := fakeADO(t, http.StatusOK, WorkItem{ID: 7})
	c := testClient(t, srv)

	ops := []PatchOperation{SetFieldOp("System.Title", "New bug")}
	wi, err := c.CreateWorkItem(context.Background(), "Fabrikam", "Bug", ops)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wi.ID != 7 {
		t.Fatalf("unexpected id: %d", wi.ID)
	}

	req := (*recorded)[0]
	if want := "/contoso/Fabrikam/_apis/wit/workitems/$Bug"; req.Path != want {
		t.Fatalf("unexpected path: want %q got %q", want, req.Path)
	}
	if req.ContentType != "application/json-patch+json" {
		t.Fatalf("unexpected content type: %q", req.ContentType)
	}
	var decoded []PatchOperation
	if err := json.Unmarshal(req.Body, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Op != "add" || decoded[0].Path != "/fields/System.Title" {
		t.Fatalf("unexpected patch document: %+v", decoded)
	}

	if _, err := c.CreateWorkItem(context.Background(), "Fabrikam", "Bug", nil); err == nil {
		t.Fatalf("empty patch document must be rejected")
	}
}

func TestUpdateAndLink(t *testing.T) {
	srv, recorded := fakeADO(t, http.StatusOK, WorkItem{ID: 5, Rev: 2})
	c := testClient(t, srv)

	if _, err := c.UpdateWorkItem(context.Background(), "Fabrikam", 5, []PatchOperation{SetFieldOp("System.State", "Closed")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if req := (*recorded)[0]; req.Method != http.MethodPatch {
		t.Fatalf("want PATCH, got %s", req.Method)
	}

	if _, err := c.LinkWorkItems(context.Background(), "Fabrikam", 5, 9, "System.LinkTypes.Related", "dupe of"); err != nil {
		t.Fatalf("link: %v", err)
	}
	var ops []PatchOperation
	if err := json.Unmarshal((*recorded)[1].Body, &ops); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ops) != 1 || ops[0].Path != "/relations/-" {
		t.Fatalf("unexpected relation patch: %+v", ops)
	}
	rel := ops[0].Value.(map[string]any)
	if rel["rel"] != "System.LinkTypes.Related" {
		t.Fatalf("unexpected relation type: %v", rel["rel"])
	}
	if !strings.HasSuffix(rel["url"].(string), "/contoso/_apis/wit/workItems/9") {
		t.Fatalf("unexpected relation target: %v", rel["url"])
	}
}

func TestComments(t *testing.T) {
	srv, recorded := fakeADO(t, http.StatusOK, Comment{ID: 1, Text: "looks good"})
	c := testClient(t, srv)

	if _, err := c.AddComment(context.Background(), "Fabrikam", 5, "looks good"); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	req := (*recorded)[0]
	if req.Query["api-version"] != commentsAPIVersion {
		t.Fatalf("comments must use the preview api-version, got %v", req.Query)
	}

	if _, err := c.AddComment(context.Background(), "Fabrikam", 5, "   "); err == nil {
		t.Fatalf("blank comment must be rejected")
	}
}

func TestQueries(t *testing.T) {
	srv, recorded := fakeADO(t, http.StatusOK, QueryResult{
		QueryType: "flat",
		WorkItems: []WorkItemReference{{ID: 1}, {ID: 2}},
	})
	c := testClient(t, srv)

	res, err := c.QueryWIQL(context.Background(), "Fabrikam", "SELECT [System.Id] FROM WorkItems", 10)
	if err != nil {
		t.Fatalf("wiql: %v", err)
	}
	if len(res.WorkItems) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	req := (*recorded)[0]
	if req.Query["$top"] != "10" {
		t.Fatalf("missing $top: %v", req.Query)
	}

	if _, err := c.QueryWIQL(context.Background(), "Fabrikam", "  ", 0); err == nil {
		t.Fatalf("blank WIQL must be rejected")
	}

	if _, err := c.QueryByID(context.Background(), "Fabrikam", "deadbeef-0000", 0); err != nil {
		t.Fatalf("query by id: %v", err)
	}
	if req := (*recorded)[1]; !strings.HasSuffix(req.Path, "/_apis/wit/wiql/deadbeef-0000") {
		t.Fatalf("unexpected path: %q", req.Path)
	}
}

func TestMyWorkItems(t *testing.T) {
	srv, recorded := fakeADO(t, http.StatusOK, PredefinedQueryResult{
		Name:    "Assigned to me",
		Results: []WorkItemReference{{ID: 3}},
	})
	c := testClient(t, srv)

	res, err := c.MyWorkItems(context.Background(), "Fabrikam", PredefinedAssignedToMe, 25)
	if err != nil {
		t.Fatalf("my work items: %v", err)
	}
	if len(res.Results) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if req := (*recorded)[0]; !strings.HasSuffix(req.Path, "/_apis/work/predefinedqueries/assignedtome") {
		t.Fatalf("unexpected path: %q", req.Path)
	}

	if _, err := c.MyWorkItems(context.Background(), "Fabrikam", "everything", 0); err == nil {
		t.Fatalf("unknown predefined query must be rejected")
	}
}

func TestStaticBearerExpiry(t *testing.T) {
	t.Run("expired JWT is refused", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": time.Now().Add(-time.Hour).Unix(),
		}).SignedString([]byte("test"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		cred := NewStaticBearerCredential(token)
		if _, err := cred.Authorization(context.Background()); err == nil {
			t.Fatalf("expected an expiry error")
		}
	})

	t.Run("live JWT is handed out", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("test"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		cred := NewStaticBearerCredential(token)
		hdr, err := cred.Authorization(context.Background())
		if err != nil {
			t.Fatalf("authorization: %v", err)
		}
		if hdr != "Bearer "+token {
			t.Fatalf("unexpected header: %q", hdr)
		}
	})

	t.Run("opaque tokens never expire locally", func(t *testing.T) {
		cred := NewStaticBearerCredential("not-a-jwt")
		if _, err := cred.Authorization(context.Background()); err != nil {
			t.Fatalf("opaque token refused: %v", err)
		}
		if _, ok := TokenExpiry("not-a-jwt"); ok {
			t.Fatalf("opaque tokens have no expiry")
		}
	})
}
