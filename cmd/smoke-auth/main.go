package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"
)

type session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func main() {
	base := os.Getenv("PORTAL_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("PORTAL_SMOKE_EMAIL")
	password := os.Getenv("PORTAL_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("PORTAL_SMOKE_EMAIL and PORTAL_SMOKE_PASSWORD are required")
	}

	// cookie jar сохраняет portal_device_id между запросами
	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Timeout: 10 * time.Second, Jar: jar}

	s1 := login(client, base, email, password)

	if status, _ := get(client, base+"/v1/admin/auth/me", s1.AccessToken); status != http.StatusOK {
		log.Fatalf("me with fresh token: status %d, want 200", status)
	}

	// админский токен не принимается портальной поверхностью
	if status := postStatus(client, base+"/v1/auth/logout", s1.AccessToken); status != http.StatusUnauthorized {
		log.Fatalf("admin token on portal surface: status %d, want 401", status)
	}

	s2 := refresh(client, base, s1.RefreshToken)
	if s2.AccessToken == s1.AccessToken || s2.RefreshToken == s1.RefreshToken {
		log.Fatal("rotation returned an unrotated credential")
	}

	// повтор старого refresh-токена отзывает всю семью, включая свежую пару
	if status := refreshStatus(client, base, s1.RefreshToken); status != http.StatusUnauthorized {
		log.Fatalf("replayed refresh token: status %d, want 401", status)
	}
	if status := refreshStatus(client, base, s2.RefreshToken); status != http.StatusUnauthorized {
		log.Fatalf("refresh after family revocation: status %d, want 401", status)
	}

	// logout кладёт access-токен в blacklist до конца его срока
	s3 := login(client, base, email, password)
	logout(client, base, s3)
	if status, _ := get(client, base+"/v1/admin/auth/me", s3.AccessToken); status != http.StatusUnauthorized {
		log.Fatalf("me with blacklisted token: status %d, want 401", status)
	}

	fmt.Println("✅ auth smoke test passed")
}

func login(client *http.Client, base, email, password string) session {
	status, body := postJSON(client, base+"/v1/admin/auth/login", "",
		map[string]string{"email": email, "password": password})
	if status != http.StatusOK {
		log.Fatalf("login: status %d body %s", status, body)
	}
	var s session
	if err := json.Unmarshal(body, &s); err != nil {
		log.Fatalf("login: decode session: %v", err)
	}
	if s.AccessToken == "" || s.RefreshToken == "" {
		log.Fatalf("login: incomplete session: %s", body)
	}
	return s
}

func refresh(client *http.Client, base, token string) session {
	status, body := postJSON(client, base+"/v1/admin/auth/refresh", "",
		map[string]string{"refresh_token": token})
	if status != http.StatusOK {
		log.Fatalf("refresh: status %d body %s", status, body)
	}
	var s session
	if err := json.Unmarshal(body, &s); err != nil {
		log.Fatalf("refresh: decode session: %v", err)
	}
	return s
}

func refreshStatus(client *http.Client, base, token string) int {
	status, _ := postJSON(client, base+"/v1/admin/auth/refresh", "",
		map[string]string{"refresh_token": token})
	return status
}

func postStatus(client *http.Client, url, token string) int {
	status, _ := postJSON(client, url, token, map[string]string{})
	return status
}

func logout(client *http.Client, base string, s session) {
	status, body := postJSON(client, base+"/v1/admin/auth/logout", s.AccessToken,
		map[string]string{"refresh_token": s.RefreshToken})
	if status != http.StatusNoContent {
		log.Fatalf("logout: status %d body %s", status, body)
	}
}

func postJSON(client *http.Client, url, token string, payload any) (int, []byte) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		log.Fatalf("build request %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(client, req)
}

func get(client *http.Client, url, token string) (int, []byte) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("build request %s: %v", url, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) (int, []byte) {
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("read response body: %v", err)
	}
	return resp.StatusCode, body
}
