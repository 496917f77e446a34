// Package challenge recognizes bot-protection interstitials and obtains the
// cookie that gets past them, either by decoding the embedded AES puzzle
// directly or by delegating to a browser-emulator service.
package challenge

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/bytestore"
	"github.com/streamrake/streamrake/pkg/memcache"
)

// CookieService is the ByteStore service name for persisted cookies.
const CookieService = "cf_cookie"

// challengeMarkers identify well-known interstitial pages.
var challengeMarkers = []string{
	"Just a moment",
	"cf-browser-verification",
	"cf_chl_",
	"sucuri_cloudproxy",
}

// IsChallenge reports whether an HTML body is a bot-protection interstitial
// instead of the real page.
func IsChallenge(html string) bool {
	for _, marker := range challengeMarkers {
		if strings.Contains(html, marker) {
			return true
		}
	}
	return false
}

// Solution is a solved challenge. The cookie only works when replayed with
// the exact user agent that obtained it.
type Solution struct {
	BodyHTML     string
	CookieHeader string
	UserAgent    string
}

type Options struct {
	// Base URL of the browser-emulator service. Empty disables the emulator
	// strategy.
	EmulatorURL string
	// Wall-clock budget the emulator gets per solve
	EmulatorTimeout time.Duration
	// User agent our own HTTP clients send. Inline-decoded cookies are bound
	// to this value.
	UserAgent string
	// TTL of persisted cookies
	CookieTTL time.Duration
}

var DefaultOptions = Options{
	EmulatorTimeout: 55 * time.Second,
	UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	CookieTTL:       6 * time.Hour,
}

// Solver solves challenges for domains and caches the result in the session
// cookie map and in the ByteStore.
type Solver struct {
	opts       Options
	httpClient *http.Client
	cookies    *memcache.CookieCache
	store      *bytestore.Store
	logger     *zap.Logger
}

func NewSolver(opts Options, cookies *memcache.CookieCache, store *bytestore.Store, logger *zap.Logger) *Solver {
	if opts.EmulatorTimeout == 0 {
		opts.EmulatorTimeout = DefaultOptions.EmulatorTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultOptions.UserAgent
	}
	if opts.CookieTTL == 0 {
		opts.CookieTTL = DefaultOptions.CookieTTL
	}
	return &Solver{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.EmulatorTimeout + 5*time.Second},
		cookies:    cookies,
		store:      store,
		logger:     logger,
	}
}

func cookieHash(domain string) string {
	return domain + "_cf_cookie"
}

// Cookie returns a previously solved cookie for the domain, checking the
// in-memory map first and falling back to the ByteStore.
func (s *Solver) Cookie(ctx context.Context, domain string) (memcache.Cookie, bool) {
	if cookie, found := s.cookies.Get(domain); found {
		return cookie, true
	}
	rec, found := s.store.Get(ctx, CookieService, cookieHash(domain))
	if !found {
		return memcache.Cookie{}, false
	}
	var cookie memcache.Cookie
	if err := json.Unmarshal(rec.Data, &cookie); err != nil {
		s.logger.Warn("Couldn't unmarshal persisted cookie", zap.String("domain", domain), zap.Error(err))
		return memcache.Cookie{}, false
	}
	s.cookies.Put(domain, cookie)
	return cookie, true
}

// Clear drops the domain's cookie from both tiers. Callers do this after a
// 403 or a fresh challenge page despite replaying the cookie.
func (s *Solver) Clear(ctx context.Context, domain string) {
	s.cookies.Clear(domain)
	s.store.Delete(ctx, CookieService, cookieHash(domain))
}

// Solve obtains a working cookie for the domain. challengeHTML is the
// interstitial body that triggered the solve, when the caller has it; the
// inline decoder works off it before the emulator is consulted.
func (s *Solver) Solve(ctx context.Context, domain, targetURL, challengeHTML string) (*Solution, error) {
	if challengeHTML != "" {
		if sol, ok := decodeAESChallenge(challengeHTML, s.opts.UserAgent); ok {
			s.logger.Debug("Solved challenge with inline AES decoder", zap.String("domain", domain))
			s.storeCookie(domain, sol)
			return sol, nil
		}
	}

	if s.opts.EmulatorURL == "" {
		return nil, fmt.Errorf("challenge for %v not decodable inline and no emulator configured", domain)
	}
	sol, err := s.solveViaEmulator(ctx, targetURL)
	if err != nil {
		return nil, fmt.Errorf("couldn't solve challenge for %v: %w", domain, err)
	}
	s.logger.Debug("Solved challenge via emulator", zap.String("domain", domain))
	s.storeCookie(domain, sol)
	return sol, nil
}

func (s *Solver) storeCookie(domain string, sol *Solution) {
	cookie := memcache.Cookie{Header: sol.CookieHeader, UserAgent: sol.UserAgent}
	s.cookies.Put(domain, cookie)

	data, err := json.Marshal(cookie)
	if err != nil {
		s.logger.Error("Couldn't marshal cookie for persistence", zap.Error(err))
		return
	}
	s.store.Upsert(bytestore.Record{
		Service: CookieService,
		Hash:    cookieHash(domain),
		Data:    data,
	}, s.opts.CookieTTL)
}

// The classic slowAES interstitial carries key, IV and a single ciphertext
// block as hex in toNumbers() calls, and assigns the decrypted hex to a
// cookie in document.cookie.
var (
	toNumbersRx  = regexp.MustCompile(`toNumbers\("([0-9a-fA-F]+)"\)`)
	cookieNameRx = regexp.MustCompile(`document\.cookie\s*=\s*"([^=";]+)=`)
)

// decodeAESChallenge extracts key/IV/ciphertext from the challenge HTML,
// decrypts with AES-128-CBC (no padding) and yields "name=hexPlaintext".
func decodeAESChallenge(html, userAgent string) (*Solution, bool) {
	matches := toNumbersRx.FindAllStringSubmatch(html, -1)
	if len(matches) < 3 {
		return nil, false
	}
	nameMatch := cookieNameRx.FindStringSubmatch(html)
	if nameMatch == nil {
		return nil, false
	}

	key, err1 := hex.DecodeString(matches[0][1])
	iv, err2 := hex.DecodeString(matches[1][1])
	ciphertext, err3 := hex.DecodeString(matches[2][1])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, false
	}
	if len(key) != 16 || len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, false
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, false
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return &Solution{
		CookieHeader: nameMatch[1] + "=" + hex.EncodeToString(plaintext),
		UserAgent:    userAgent,
	}, true
}

// solveViaEmulator asks the browser-emulator service to load the URL in a
// real browser and hand back the resulting HTML and cookies.
func (s *Solver) solveViaEmulator(ctx context.Context, targetURL string) (*Solution, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"cmd":        "request.get",
		"url":        targetURL,
		"maxTimeout": s.opts.EmulatorTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.EmulatorURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("emulator returned %v", res.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(res.Body); err != nil {
		return nil, fmt.Errorf("couldn't read emulator response: %v", err)
	}
	body := buf.String()

	if status := gjson.Get(body, "status").String(); status != "ok" {
		return nil, fmt.Errorf("emulator status %q: %v", status, gjson.Get(body, "message").String())
	}

	var cookiePairs []string
	for _, c := range gjson.Get(body, "solution.cookies").Array() {
		name := c.Get("name").String()
		if name == "" {
			continue
		}
		cookiePairs = append(cookiePairs, name+"="+c.Get("value").String())
	}
	if len(cookiePairs) == 0 {
		return nil, fmt.Errorf("emulator solution carries no cookies")
	}

	return &Solution{
		BodyHTML:     gjson.Get(body, "solution.response").String(),
		CookieHeader: strings.Join(cookiePairs, "; "),
		UserAgent:    gjson.Get(body, "solution.userAgent").String(),
	}, nil
}
