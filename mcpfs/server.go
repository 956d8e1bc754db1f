// ABOUTME: Filesystem MCP server exposing an agent's workspace plus a read-only peer view.
// ABOUTME: Injected for backends reporting mcp filesystem support; write tools cover only the writable root.
package mcpfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// peersPrefix namespaces read-only peer snapshots in tool paths, e.g.
// "peers/agent1/notes.txt".
const peersPrefix = "peers"

// Server exposes one agent's working directory (read/write) and its peers'
// snapshot copies (read-only) as MCP filesystem tools.
type Server struct {
	writableRoot  string
	readOnlyRoots map[string]string // peer anon id -> snapshot copy dir
	server        *mcp.Server
}

// NewServer builds the tool server. writableRoot is the agent's working
// directory; readOnlyRoots maps peer anon IDs to their view directories.
func NewServer(writableRoot string, readOnlyRoots map[string]string) *Server {
	s := &Server{
		writableRoot:  writableRoot,
		readOnlyRoots: readOnlyRoots,
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "massgen-fs", Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "read_file",
		Description: "Read a file from your workspace, or from a peer via peers/<agent_id>/<path>.",
	}, s.readFile)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "write_file",
		Description: "Write a file in your workspace. Peer paths are read-only.",
	}, s.writeFile)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_dir",
		Description: "List a directory in your workspace or a peer view. Empty path lists the workspace root.",
	}, s.listDir)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_file",
		Description: "Delete a file in your workspace. Peer paths are read-only.",
	}, s.deleteFile)

	s.server = server
	return s
}

// Connect starts an in-memory session and returns the client-side transport
// plus a stop function closing the session.
func (s *Server) Connect(ctx context.Context) (*mcp.InMemoryTransport, func(), error) {
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	session, err := s.server.Connect(ctx, serverTransport, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect mcp server: %w", err)
	}
	return clientTransport, func() { _ = session.Close() }, nil
}

type pathArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// resolve maps a tool path onto the filesystem, enforcing the sandbox.
// forWrite paths must land in the writable root.
func (s *Server) resolve(path string, forWrite bool) (string, error) {
	cleaned := filepath.Clean("/" + path)[1:] // normalises and strips any leading traversal
	if strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}

	if peer, rest, ok := splitPeerPath(cleaned); ok {
		if forWrite {
			return "", fmt.Errorf("peer path %q is read-only", path)
		}
		root, known := s.readOnlyRoots[peer]
		if !known {
			return "", fmt.Errorf("unknown peer %q", peer)
		}
		return filepath.Join(root, rest), nil
	}

	return filepath.Join(s.writableRoot, cleaned), nil
}

// splitPeerPath recognises peers/<anon>/<rest> paths.
func splitPeerPath(path string) (peer, rest string, ok bool) {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[0] != peersPrefix {
		return "", "", false
	}
	peer = parts[1]
	if len(parts) == 3 {
		rest = parts[2]
	}
	return peer, rest, true
}

func (s *Server) readFile(ctx context.Context, req *mcp.CallToolRequest, args pathArgs) (*mcp.CallToolResult, any, error) {
	path, err := s.resolve(args.Path, false)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %q: %w", args.Path, err)
	}
	return textResult(string(data)), nil, nil
}

func (s *Server) writeFile(ctx context.Context, req *mcp.CallToolRequest, args writeArgs) (*mcp.CallToolResult, any, error) {
	path, err := s.resolve(args.Path, true)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return nil, nil, fmt.Errorf("write %q: %w", args.Path, err)
	}
	return textResult(fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)), nil, nil
}

func (s *Server) listDir(ctx context.Context, req *mcp.CallToolRequest, args pathArgs) (*mcp.CallToolResult, any, error) {
	path, err := s.resolve(args.Path, false)
	if err != nil {
		return nil, nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, nil, fmt.Errorf("list %q: %w", args.Path, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	// Surface peer roots at the workspace top level so agents can discover them.
	if args.Path == "" || args.Path == "." {
		peers := make([]string, 0, len(s.readOnlyRoots))
		for peer := range s.readOnlyRoots {
			peers = append(peers, peersPrefix+"/"+peer+"/")
		}
		sort.Strings(peers)
		names = append(names, peers...)
	}
	sort.Strings(names)
	return textResult(strings.Join(names, "\n")), nil, nil
}

func (s *Server) deleteFile(ctx context.Context, req *mcp.CallToolRequest, args pathArgs) (*mcp.CallToolResult, any, error) {
	path, err := s.resolve(args.Path, true)
	if err != nil {
		return nil, nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, nil, fmt.Errorf("delete %q: %w", args.Path, err)
	}
	return textResult("deleted " + args.Path), nil, nil
}

// textResult wraps plain text as a tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
