package rpc

import (
	"time"

	"github.com/google/uuid"

	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/knowledge"
	"github.com/agenthub/hubd/pkg/routing"
	"github.com/agenthub/hubd/pkg/wire"
)

func (s *Server) handlePrepareWorktree(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Workspaces == nil {
		return nil, errDisabled("workspaces")
	}
	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.TaskID == "" {
		return nil, errValidation("taskId is required")
	}
	rec, err := s.deps.Workspaces.Prepare(body.TaskID, c.account)
	if err != nil {
		return nil, err
	}
	return wire.Payload{"workspace": rec}, nil
}

func (s *Server) handleWorkspaceStatus(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Workspaces == nil {
		return nil, errDisabled("workspaces")
	}
	var body struct {
		WorkspaceID string `json:"workspaceId"`
		TaskID      string `json:"taskId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	key := body.WorkspaceID
	if key == "" {
		key = body.TaskID
	}
	if key == "" {
		return nil, errValidation("workspaceId or taskId is required")
	}
	status, err := s.deps.Workspaces.Status(key)
	if err != nil {
		return nil, err
	}
	return wire.Payload{"status": status}, nil
}

func (s *Server) handleCleanupWorkspace(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Workspaces == nil {
		return nil, errDisabled("workspaces")
	}
	var body struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.WorkspaceID == "" {
		return nil, errValidation("workspaceId is required")
	}
	if err := s.deps.Workspaces.Cleanup(body.WorkspaceID); err != nil {
		return nil, err
	}
	return wire.Payload{"ok": true}, nil
}

// handleSuggestAssignee ranks the registered capabilities for a skill
// set, workload-aware, with quarantined accounts excluded.
func (s *Server) handleSuggestAssignee(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Caps == nil {
		return nil, errDisabled("capability routing")
	}
	var body struct {
		Skills          []string `json:"skills"`
		Priority        string   `json:"priority"`
		ExcludeAccounts []string `json:"excludeAccounts"`
		Limit           int      `json:"limit"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}

	caps := s.deps.Caps.All()
	if s.deps.Trust != nil {
		for i := range caps {
			if rec, ok := s.deps.Trust.Get(caps[i].AccountName); ok {
				score := rec.TrustScore
				caps[i].TrustScore = &score
			}
		}
	}

	exclude := body.ExcludeAccounts
	if s.deps.Breaker != nil {
		exclude = append(exclude, s.deps.Breaker.QuarantinedAccounts()...)
	}

	now := time.Now().UTC()
	var workload map[string]routing.Workload
	if b, err := s.deps.Board.Load(); err == nil {
		workload = routing.Workloads(b.Tasks, now)
	}

	results := routing.Rank(caps, body.Skills, routing.RankOptions{
		ExcludeAccounts: exclude,
		Priority:        body.Priority,
		Workload:        workload,
		Now:             now,
	})
	if body.Limit > 0 && len(results) > body.Limit {
		results = results[:body.Limit]
	}
	return wire.Payload{"suggestions": results}, nil
}

func (s *Server) handleRegisterCapability(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Caps == nil {
		return nil, errDisabled("capability routing")
	}
	var body struct {
		Account      string   `json:"account"`
		Skills       []string `json:"skills"`
		Strengths    []string `json:"strengths"`
		ProviderType string   `json:"providerType"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.Account == "" {
		body.Account = c.account
	}
	cap := routing.Capability{
		AccountName:  body.Account,
		Skills:       body.Skills,
		Strengths:    body.Strengths,
		ProviderType: body.ProviderType,
		LastActiveAt: time.Now().UTC(),
	}
	if err := s.deps.Caps.Upsert(cap); err != nil {
		return nil, err
	}
	return wire.Payload{"capability": cap}, nil
}

func (s *Server) handleListCapabilities(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Caps == nil {
		return nil, errDisabled("capability routing")
	}
	return wire.Payload{"capabilities": s.deps.Caps.All()}, nil
}

func (s *Server) handleIndexNote(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Knowledge == nil {
		return nil, errDisabled("knowledge index")
	}
	var body struct {
		Title string   `json:"title"`
		Body  string   `json:"body"`
		Tags  []string `json:"tags"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.Title == "" && body.Body == "" {
		return nil, errValidation("note needs a title or body")
	}
	note := knowledge.Note{
		ID:        uuid.New().String(),
		Title:     body.Title,
		Body:      body.Body,
		Tags:      body.Tags,
		Account:   c.account,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.deps.Knowledge.Put(note); err != nil {
		return nil, err
	}
	return wire.Payload{"note": note}, nil
}

func (s *Server) handleSearchKnowledge(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Knowledge == nil {
		return nil, errDisabled("knowledge index")
	}
	var body struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	matches, err := s.deps.Knowledge.Search(body.Query, body.Limit)
	if err != nil {
		return nil, err
	}
	return wire.Payload{"matches": matches}, nil
}

func (s *Server) handleLinkExternal(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Links == nil {
		return nil, errDisabled("external links")
	}
	var body struct {
		TaskID string `json:"taskId"`
		URL    string `json:"url"`
		Kind   string `json:"kind"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	if body.TaskID == "" || body.URL == "" {
		return nil, errValidation("taskId and url are required")
	}
	link := board.ExternalLink{
		TaskID:  body.TaskID,
		URL:     body.URL,
		Kind:    body.Kind,
		AddedBy: c.account,
		AddedAt: time.Now().UTC(),
	}
	if err := s.deps.Links.Add(link); err != nil {
		return nil, err
	}
	return wire.Payload{"link": link}, nil
}

func (s *Server) handleListExternalLinks(c *conn, req *request) (wire.Payload, error) {
	if s.deps.Links == nil {
		return nil, errDisabled("external links")
	}
	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := parse(req, &body); err != nil {
		return nil, err
	}
	var (
		links []board.ExternalLink
		err   error
	)
	if body.TaskID != "" {
		links, err = s.deps.Links.ByTask(body.TaskID)
	} else {
		links, err = s.deps.Links.All()
	}
	if err != nil {
		return nil, err
	}
	return wire.Payload{"links": links}, nil
}
