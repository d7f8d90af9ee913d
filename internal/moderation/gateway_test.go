package moderation

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testGateway() *Gateway {
	logger, _ := zap.NewDevelopment()
	return NewGateway(logger)
}

func TestScoreAllowsPlainContent(t *testing.T) {
	g := testGateway()
	res := g.Score("I can help with groceries on Tuesday afternoon!")
	if res.Flagged {
		t.Errorf("flagged = true for safe content: %+v", res)
	}
	if res.Action != ActionAllow {
		t.Errorf("action = %q, want allow", res.Action)
	}
}

func TestScoreBlocksScamContent(t *testing.T) {
	g := testGateway()
	res := g.Score("Please wire transfer the emergency funds to my account")
	if !res.Flagged {
		t.Fatal("scam content not flagged")
	}
	if res.Action != ActionBlock {
		t.Errorf("action = %q, want block (confidence %.2f)", res.Action, res.Confidence)
	}
	if !res.Rejected() {
		t.Error("Rejected() = false for blocked content")
	}
}

func TestScoreReviewsPersonalInfo(t *testing.T) {
	g := testGateway()
	res := g.Score("You can reach me at 555-123-4567 anytime")
	if !res.Flagged {
		t.Fatal("phone number not flagged")
	}
	if res.Action != ActionReview {
		t.Errorf("action = %q, want review", res.Action)
	}
	found := false
	for _, c := range res.Categories {
		if c == "personal_info" {
			found = true
		}
	}
	if !found {
		t.Errorf("categories = %v, want personal_info", res.Categories)
	}
}

func TestScoreFlagsRepeatedCharacters(t *testing.T) {
	g := testGateway()
	res := g.Score("heyyyy" + strings.Repeat("y", 20))
	if !res.Flagged {
		t.Fatal("repeated-character spam not flagged")
	}
	found := false
	for _, c := range res.Categories {
		if c == "spam" {
			found = true
		}
	}
	if !found {
		t.Errorf("categories = %v, want spam", res.Categories)
	}

	// Ten identical runes in a row is still below the run threshold.
	if res := g.Score("okkkkkkkkkk sounds good"); res.Flagged {
		t.Errorf("short run flagged: %+v", res)
	}
}

func TestScoreReviewsUntrustedLinks(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	g := NewGateway(logger, "careline.example.org")

	res := g.Score("check https://careline.example.org/requests/42 for details")
	if res.Flagged {
		t.Errorf("trusted link flagged: %+v", res)
	}

	res = g.Score("claim your prize at http://totally-legit.example.com/win")
	if !res.Flagged {
		t.Fatal("untrusted link not flagged")
	}
	if res.Action != ActionReview {
		t.Errorf("action = %q, want review", res.Action)
	}
	found := false
	for _, c := range res.Categories {
		if c == "suspicious_link" {
			found = true
		}
	}
	if !found {
		t.Errorf("categories = %v, want suspicious_link", res.Categories)
	}
}

func TestScoreConfidenceCapped(t *testing.T) {
	g := testGateway()
	res := g.Score("shit shit shit shit shit shit")
	if res.Confidence > 0.9 {
		t.Errorf("confidence = %.2f, want capped at 0.9", res.Confidence)
	}
	if res.Action != ActionBlock {
		t.Errorf("action = %q, want block", res.Action)
	}
}
