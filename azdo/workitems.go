package azdo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Comments are only available on a preview api-version as of 7.1.
const commentsAPIVersion = "7.1-preview.4"

// WorkItem is an Azure DevOps work item. Fields holds the reference-name
// keyed field values (e.g. "System.Title") as returned by the service.
type WorkItem struct {
	ID        int                `json:"id"`
	Rev       int                `json:"rev"`
	Fields    map[string]any     `json:"fields"`
	Relations []WorkItemRelation `json:"relations,omitempty"`
	URL       string             `json:"url,omitempty"`
}

// WorkItemRelation links a work item to another resource, usually
// another work item.
type WorkItemRelation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PatchOperation is one entry of a JSON Patch document, the write format
// of the work item API.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// SetFieldOp builds the common "add field value" patch entry.
func SetFieldOp(field string, value any) PatchOperation {
	return PatchOperation{Op: "add", Path: "/fields/" + field, Value: value}
}

// IdentityRef identifies a user as the API reports them.
type IdentityRef struct {
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName,omitempty"`
}

// Comment is one discussion comment on a work item.
type Comment struct {
	ID          int         `json:"id"`
	Text        string      `json:"text"`
	CreatedBy   IdentityRef `json:"createdBy"`
	CreatedDate string      `json:"createdDate"`
}

// CommentList is a page of work item comments.
type CommentList struct {
	TotalCount int       `json:"totalCount"`
	Count      int       `json:"count"`
	Comments   []Comment `json:"comments"`
}

// WorkItemReference is a work item id/url pair as returned by queries.
type WorkItemReference struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// QueryResult is the outcome of a WIQL query. Flat queries populate
// WorkItems; link queries populate WorkItemRelations.
type QueryResult struct {
	QueryType         string              `json:"queryType"`
	WorkItems         []WorkItemReference `json:"workItems"`
	WorkItemRelations []QueryRelation     `json:"workItemRelations,omitempty"`
}

// QueryRelation is one edge of a link query result.
type QueryRelation struct {
	Rel    string             `json:"rel,omitempty"`
	Source *WorkItemReference `json:"source,omitempty"`
	Target *WorkItemReference `json:"target,omitempty"`
}

// PredefinedQueryResult is a page of results from one of the service's
// built-in queries such as "assignedtome".
type PredefinedQueryResult struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Results []WorkItemReference `json:"results"`
}

// GetWorkItem fetches a single work item. expand is one of "", "none",
// "relations", "fields", "links", or "all".
func (c *Client) GetWorkItem(ctx context.Context, project string, id int, expand string) (*WorkItem, error) {
	q := url.Values{}
	if expand != "" {
		q.Set("$expand", expand)
	}
	var wi WorkItem
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d", url.PathEscape(project), id)
	if err := c.do(ctx, http.MethodGet, path, q, "", "", nil, &wi); err != nil {
		return nil, err
	}
	return &wi, nil
}

// GetWorkItemsBatch fetches up to 200 work items in one round trip,
// optionally trimmed to the given field reference names.
func (c *Client) GetWorkItemsBatch(ctx context.Context, project string, ids []int, fields []string) ([]WorkItem, error) {
	if len(ids) == 0 {
		return nil, errors.New("azdo: at least one work item id is required")
	}
	if len(ids) > 200 {
		return nil, fmt.Errorf("azdo: batch size %d exceeds the API maximum of 200", len(ids))
	}

	body := map[string]any{"ids": ids}
	if len(fields) > 0 {
		body["fields"] = fields
	}

	var out struct {
		Count int        `json:"count"`
		Value []WorkItem `json:"value"`
	}
	path := fmt.Sprintf("/%s/_apis/wit/workitemsbatch", url.PathEscape(project))
	if err := c.do(ctx, http.MethodPost, path, nil, "", "", body, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// CreateWorkItem creates a work item of the given type from a JSON Patch
// document of field assignments.
func (c *Client) CreateWorkItem(ctx context.Context, project, workItemType string, ops []PatchOperation) (*WorkItem, error) {
	if len(ops) == 0 {
		return nil, errors.New("azdo: a create requires at least one field operation")
	}
	var wi WorkItem
	// The type segment is prefixed with "$" per the API's URL scheme.
	path := fmt.Sprintf("/%s/_apis/wit/workitems/$%s", url.PathEscape(project), url.PathEscape(workItemType))
	if err := c.do(ctx, http.MethodPost, path, nil, "", contentTypeJSONPatch, ops, &wi); err != nil {
		return nil, err
	}
	return &wi, nil
}

// UpdateWorkItem applies a JSON Patch document to an existing work item
// and returns its new revision.
func (c *Client) UpdateWorkItem(ctx context.Context, project string, id int, ops []PatchOperation) (*WorkItem, error) {
	if len(ops) == 0 {
		return nil, errors.New("azdo: an update requires at least one patch operation")
	}
	var wi WorkItem
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d", url.PathEscape(project), id)
	if err := c.do(ctx, http.MethodPatch, path, nil, "", contentTypeJSONPatch, ops, &wi); err != nil {
		return nil, err
	}
	return &wi, nil
}

// LinkWorkItems adds a relation of the given type from source to target.
// relation is a relation reference name such as
// "System.LinkTypes.Hierarchy-Forward".
func (c *Client) LinkWorkItems(ctx context.Context, project string, sourceID, targetID int, relation, comment string) (*WorkItem, error) {
	value := map[string]any{
		"rel": relation,
		"url": c.workItemURL(targetID),
	}
	if comment != "" {
		value["attributes"] = map[string]any{"comment": comment}
	}
	return c.UpdateWorkItem(ctx, project, sourceID, []PatchOperation{
		{Op: "add", Path: "/relations/-", Value: value},
	})
}

// AddComment posts a discussion comment to a work item.
func (c *Client) AddComment(ctx context.Context, project string, id int, text string) (*Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("azdo: comment text is required")
	}
	var out Comment
	path := fmt.Sprintf("/%s/_apis/wit/workItems/%d/comments", url.PathEscape(project), id)
	body := map[string]string{"text": text}
	if err := c.do(ctx, http.MethodPost, path, nil, commentsAPIVersion, "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListComments fetches up to top comments on a work item, newest first.
func (c *Client) ListComments(ctx context.Context, project string, id, top int) (*CommentList, error) {
	q := url.Values{}
	if top > 0 {
		q.Set("$top", strconv.Itoa(top))
	}
	q.Set("order", "desc")
	var out CommentList
	path := fmt.Sprintf("/%s/_apis/wit/workItems/%d/comments", url.PathEscape(project), id)
	if err := c.do(ctx, http.MethodGet, path, q, commentsAPIVersion, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryWIQL runs a WIQL query and returns the matching work item
// references. top caps the result size when positive.
func (c *Client) QueryWIQL(ctx context.Context, project, wiql string, top int) (*QueryResult, error) {
	if strings.TrimSpace(wiql) == "" {
		return nil, errors.New("azdo: a WIQL query is required")
	}
	q := url.Values{}
	if top > 0 {
		q.Set("$top", strconv.Itoa(top))
	}
	var out QueryResult
	path := fmt.Sprintf("/%s/_apis/wit/wiql", url.PathEscape(project))
	if err := c.do(ctx, http.MethodPost, path, q, "", "", map[string]string{"query": wiql}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryByID runs a saved query by its GUID.
func (c *Client) QueryByID(ctx context.Context, project, queryID string, top int) (*QueryResult, error) {
	q := url.Values{}
	if top > 0 {
		q.Set("$top", strconv.Itoa(top))
	}
	var out QueryResult
	path := fmt.Sprintf("/%s/_apis/wit/wiql/%s", url.PathEscape(project), url.PathEscape(queryID))
	if err := c.do(ctx, http.MethodGet, path, q, "", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Predefined query names accepted by MyWorkItems.
const (
	PredefinedAssignedToMe = "assignedtome"
	PredefinedFollowed     = "followedworkitems"
	PredefinedMyActivity   = "myactivity"
)

// MyWorkItems runs one of the service's predefined queries scoped to the
// calling identity.
func (c *Client) MyWorkItems(ctx context.Context, project, queryName string, top int) (*PredefinedQueryResult, error) {
	switch queryName {
	case PredefinedAssignedToMe, PredefinedFollowed, PredefinedMyActivity:
	default:
		return nil, fmt.Errorf("azdo: unknown predefined query %q", queryName)
	}
	q := url.Values{}
	if top > 0 {
		q.Set("$top", strconv.Itoa(top))
	}
	var out PredefinedQueryResult
	path := fmt.Sprintf("/%s/_apis/work/predefinedqueries/%s", url.PathEscape(project), queryName)
	if err := c.do(ctx, http.MethodGet, path, q, "", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
