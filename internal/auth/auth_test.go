package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/zulandar/milepost/internal/models"
)

func TestIssueParse_RoundTrip(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := v.Issue(Actor{ID: "client-1", Role: models.PartyClient}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	actor, err := v.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if actor.ID != "client-1" || actor.Role != models.PartyClient {
		t.Errorf("actor = %+v", actor)
	}
}

func TestParse_Rejects(t *testing.T) {
	v := NewVerifier("s3cret")

	expired, _ := v.Issue(Actor{ID: "a", Role: models.PartyClient}, -time.Minute)
	otherKey, _ := NewVerifier("other").Issue(Actor{ID: "a", Role: models.PartyClient}, time.Hour)
	badRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "a"},
	}).SignedString([]byte("s3cret"))
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "client"}).SignedString([]byte("s3cret"))
	wrongAlg, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Role:             "client",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "a"},
	}).SignedString([]byte("s3cret"))

	tests := []struct {
		name string
		tok  string
	}{
		{"expired", expired},
		{"wrong key", otherKey},
		{"bad role", badRole},
		{"no subject", noSubject},
		{"wrong algorithm", wrongAlg},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Parse(tt.tok); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer abc", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer", "", true},
	}
	for _, tt := range tests {
		got, err := BearerToken(tt.header)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("BearerToken(%q) = %q, %v", tt.header, got, err)
		}
	}
	if _, err := BearerToken(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("err = %v, want ErrMissingToken", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := NewVerifier("s3cret")
	r := gin.New()
	r.Use(Middleware(v, func(c *gin.Context, status int, err error) {
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
	}))
	r.GET("/me", func(c *gin.Context) {
		actor, ok := FromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, actor.ID+":"+string(actor.Role))
	})

	tok, _ := v.Issue(Actor{ID: "free-1", Role: models.PartyFreelancer}, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "free-1:freelancer" {
		t.Errorf("authorized = %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", w.Code)
	}
}
