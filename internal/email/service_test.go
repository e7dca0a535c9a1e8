package email

import (
	"strings"
	"testing"
)

func TestIsConfigured(t *testing.T) {
	if NewService(Config{}).IsConfigured() {
		t.Error("empty config must not count as configured")
	}
	configured := NewService(Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com"})
	if !configured.IsConfigured() {
		t.Error("host, port and from should be enough")
	}
}

func TestSendFailsWhenUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendInvitation("grace@example.com", "Ada", "editor", "", "https://folio.test/invitations/tok"); err == nil {
		t.Error("expected an error without SMTP settings")
	}
}

func TestRenderInvitation(t *testing.T) {
	html, err := RenderInvitation(InvitationData{
		AppName:     "Folio",
		InviterName: "Ada",
		Role:        "reviewer",
		Message:     "please look at chapter two",
		AcceptURL:   "https://folio.test/invitations/tok",
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	for _, want := range []string{"Ada invited you", "reviewer", "please look at chapter two", "https://folio.test/invitations/tok"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered email missing %q", want)
		}
	}
}

func TestRenderInvitationOmitsEmptyMessage(t *testing.T) {
	html, err := RenderInvitation(InvitationData{AppName: "Folio", InviterName: "Ada", Role: "viewer", AcceptURL: "https://folio.test/i/t"})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if strings.Contains(html, `class="message"`) {
		t.Error("message block should be omitted when empty")
	}
}

func TestTextPartCarriesAcceptLink(t *testing.T) {
	data := InvitationData{
		AppName:     "Folio",
		InviterName: "Ada",
		Role:        "reviewer",
		Message:     "please look at chapter two",
		AcceptURL:   "https://folio.test/invitations/tok",
	}

	text := renderInvitationText(data)
	for _, want := range []string{"Ada invited you", "reviewer", "please look at chapter two", "https://folio.test/invitations/tok"} {
		if !strings.Contains(text, want) {
			t.Errorf("text body missing %q", want)
		}
	}

	// The assembled message must keep the link in the text/plain part, before
	// the HTML alternative begins.
	msg := string(composeMessage("Folio <noreply@example.com>", []string{"grace@example.com"}, "subject", text, "<html></html>"))
	plainStart := strings.Index(msg, "Content-Type: text/plain")
	htmlStart := strings.Index(msg, "Content-Type: text/html")
	if plainStart < 0 || htmlStart < 0 || plainStart > htmlStart {
		t.Fatalf("unexpected part layout in message:\n%s", msg)
	}
	if !strings.Contains(msg[plainStart:htmlStart], "https://folio.test/invitations/tok") {
		t.Error("plain part must carry the accept link")
	}
}

func TestRenderInvitationEscapesHTML(t *testing.T) {
	html, err := RenderInvitation(InvitationData{
		AppName:     "Folio",
		InviterName: "<script>alert(1)</script>",
		Role:        "viewer",
		AcceptURL:   "https://folio.test/i/t",
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Error("inviter name must be escaped")
	}
}
