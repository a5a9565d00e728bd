package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"chatd/models"
	"chatd/store"
)

type joinRequest struct {
	Addr string `json:"addr"`
}

type joinResponse struct {
	Members  []models.Member `json:"members"`
	Snapshot *store.Snapshot `json:"snapshot"`
}

// Routes registers the intra-cluster HTTP endpoints on mux.
func (c *Coordinator) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/join", c.handleJoin)
	mux.HandleFunc("/replicate", c.handleReplicate)
	mux.HandleFunc("/membership", c.handleMembership)
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","state":%q,"addr":%q}`, c.State(), c.self)
}

// handleJoin admits a new backup: it gets the current membership plus a
// full state snapshot, and everyone else learns about it afterwards.
func (c *Coordinator) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding join request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Addr == "" {
		http.Error(w, "join request missing addr", http.StatusBadRequest)
		return
	}

	snap, err := c.store.Snapshot()
	if err != nil {
		http.Error(w, fmt.Sprintf("snapshotting state: %v", err), http.StatusInternalServerError)
		return
	}
	members := c.AddMember(req.Addr, time.Now())
	log.Printf("Member %s joined as backup (%d members)", req.Addr, len(members))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(joinResponse{Members: members, Snapshot: snap}); err != nil {
		log.Printf("Encoding join response for %s: %v", req.Addr, err)
		return
	}
	go c.broadcastMembership()
}

func (c *Coordinator) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var op Op
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, fmt.Sprintf("decoding op: %v", err), http.StatusBadRequest)
		return
	}
	if err := c.Apply(op); err != nil {
		log.Printf("Applying replicated %s: %v", op.Kind, err)
		http.Error(w, fmt.Sprintf("applying %s: %v", op.Kind, err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (c *Coordinator) handleMembership(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var list []models.Member
	if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
		http.Error(w, fmt.Sprintf("decoding membership: %v", err), http.StatusBadRequest)
		return
	}
	c.AdoptMembership(list)
	w.WriteHeader(http.StatusOK)
}

// join contacts peer, restores its snapshot, and adopts the returned
// membership with self added as a backup.
func (c *Coordinator) join(peer string) error {
	var resp joinResponse
	if err := PostJSON(c.httpClient, peer, "/join", joinRequest{Addr: c.self}, &resp); err != nil {
		return fmt.Errorf("joining cluster via %s: %w", peer, err)
	}
	if err := c.store.Restore(resp.Snapshot); err != nil {
		return fmt.Errorf("restoring snapshot from %s: %w", peer, err)
	}
	c.AdoptMembership(resp.Members)

	c.mu.Lock()
	c.state = StateBackup
	c.mu.Unlock()
	log.Printf("Joined cluster via %s as backup (%d members)", peer, len(resp.Members))
	return nil
}

func (c *Coordinator) healthCheck(addr string) error {
	resp, err := c.httpClient.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// PostJSON posts body to http://addr+path and decodes the response into
// out when out is non-nil.
func PostJSON(client *http.Client, addr, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}
	resp, err := client.Post(fmt.Sprintf("http://%s%s", addr, path), "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("posting to %s%s: %w", addr, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s%s returned %d: %s", addr, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
