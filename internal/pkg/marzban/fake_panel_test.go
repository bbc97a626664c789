package marzban

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/outlivion/outlivion-api/internal/pkg/config"
)

type fakePanel struct {
	mu          sync.Mutex
	users       map[string]*User
	logins      int
	tokenSeq    int
	validToken  string
	expireToken bool
	revokes     int
	noLinks     bool
	delay       time.Duration
}

func newFakePanel(t *testing.T) (*fakePanel, *httptest.Server) {
	t.Helper()
	p := &fakePanel{users: map[string]*User{}}
	srv := httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(srv.Close)
	return p, srv
}

func testConfig(baseURL string) config.MarzbanConfig {
	return config.MarzbanConfig{
		BaseURL:         baseURL,
		Username:        "admin",
		Password:        "secret",
		PublicURLPrefix: "https://vpn.example.com/bot-api",
		Inbound:         "VLESS TCP REALITY",
		Timeout:         time.Second,
	}
}

func (p *fakePanel) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	delay := p.delay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.URL.Path == "/api/admin/token" {
		_ = r.ParseForm()
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.logins++
		p.tokenSeq++
		p.validToken = "token-" + string(rune('a'+p.tokenSeq))
		p.expireToken = false
		writeJSON(w, http.StatusOK, map[string]string{"access_token": p.validToken, "token_type": "bearer"})
		return
	}

	if p.expireToken || r.Header.Get("Authorization") != "Bearer "+p.validToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/user")
	switch {
	case r.Method == http.MethodPost && path == "":
		var in UserCreate
		_ = json.NewDecoder(r.Body).Decode(&in)
		exp := in.Expire
		u := &User{Username: in.Username, Status: in.Status, Expire: &exp, Inbounds: in.Inbounds}
		p.setLinks(u)
		p.users[in.Username] = u
		writeJSON(w, http.StatusOK, u)
	case strings.HasSuffix(path, "/revoke_sub") && r.Method == http.MethodPost:
		name := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/revoke_sub")
		u, ok := p.users[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		p.revokes++
		p.setLinks(u)
		writeJSON(w, http.StatusOK, u)
	case r.Method == http.MethodGet:
		u, ok := p.users[strings.TrimPrefix(path, "/")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "User not found"})
			return
		}
		writeJSON(w, http.StatusOK, u)
	case r.Method == http.MethodPut:
		u, ok := p.users[strings.TrimPrefix(path, "/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var in UserModify
		_ = json.NewDecoder(r.Body).Decode(&in)
		exp := in.Expire
		u.Expire = &exp
		u.Status = in.Status
		writeJSON(w, http.StatusOK, u)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (p *fakePanel) setLinks(u *User) {
	if p.noLinks {
		u.SubscriptionURL = ""
		u.Links = nil
		return
	}
	p.tokenSeq++
	u.SubscriptionURL = "/sub/" + u.Username + "-" + string(rune('a'+p.tokenSeq))
	u.Links = []string{"vless://" + u.Username}
}

func (p *fakePanel) put(u *User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[u.Username] = u
}

func (p *fakePanel) get(name string) *User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[name]
}

type panelCounts struct {
	logins  int
	revokes int
}

func (p *fakePanel) counts() panelCounts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return panelCounts{logins: p.logins, revokes: p.revokes}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func unix(t time.Time) *int64 {
	v := t.Unix()
	return &v
}
