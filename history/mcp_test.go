package history

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func connectMCP(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := mcp.NewServer(&mcp.Implementation{Name: "viewtrail-test", Version: "0"}, nil)
	svc.RegisterMCP(srv)

	st, ct := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content: %+v", res.Content)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content type: %T", res.Content[0])
	}
	return tc.Text
}

func TestMCP_ListsTools(t *testing.T) {
	// WHAT: All six history tools are registered.
	// WHY: Agents discover the service through tools/list.
	cs := connectMCP(t, setupTestService(t, newFakeRemote()))
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"history_start_scan", "history_stop_scan", "history_scan_status",
		"history_scan_runs", "history_analyze", "history_clear",
	} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestMCP_StatusAndErrors(t *testing.T) {
	// WHAT: scan_status returns the record-derived snapshot; a bad user id is a tool error.
	// WHY: Service errors must reach the agent as tool errors, not protocol failures.
	svc := setupTestService(t, newFakeRemote())
	ctx := context.Background()
	svc.UploadRecord(ctx, "3", &Record{List: []Item{{ViewAt: 10}, {ViewAt: 30}}})
	cs := connectMCP(t, svc)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "history_scan_status",
		Arguments: map[string]any{"user_id": "3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var st StatusReport
	if err := json.Unmarshal([]byte(toolText(t, res)), &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusIdle || st.Total != 2 || st.LastTime != 30 {
		t.Errorf("status: %+v", st)
	}

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "history_clear",
		Arguments: map[string]any{"user_id": "../3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("invalid user id accepted")
	}
}
