package whatsapp

import (
	"context"
	"testing"

	"github.com/whaleflow/whaleflow/internal/models"
)

func TestWithDBDSNOption(t *testing.T) {
	opts := &Opts{}

	testDSN := "/var/lib/whaleflow/test.db"
	WithDBDSN(testDSN)(opts)

	if opts.DBDSN != testDSN {
		t.Errorf("Expected DBDSN to be %q, got %q", testDSN, opts.DBDSN)
	}
}

func TestWithQRCodeOutputOption(t *testing.T) {
	opts := &Opts{}

	testPath := "/tmp/qr.txt"
	WithQRCodeOutput(testPath)(opts)

	if opts.QRPath != testPath {
		t.Errorf("Expected QRPath to be %q, got %q", testPath, opts.QRPath)
	}
}

func TestWithNumericCodeOption(t *testing.T) {
	opts := &Opts{}

	WithNumericCode()(opts)

	if !opts.NumericCode {
		t.Errorf("Expected NumericCode to be true, got false")
	}
}

func TestSendRejectsUninitializedClient(t *testing.T) {
	c := &Client{}

	if err := c.SendText(context.Background(), "15551234567", "hi"); err == nil {
		t.Error("Expected error sending text with uninitialized client")
	}
	if err := c.SendList(context.Background(), "15551234567", "pick", []models.NodeOption{{ID: "a", Label: "A"}}); err == nil {
		t.Error("Expected error sending list with uninitialized client")
	}
	if err := c.SendMedia(context.Background(), "15551234567", "https://example.com/a.png", "", models.MediaKindImage); err == nil {
		t.Error("Expected error sending media with uninitialized client")
	}
}

func TestUninitializedClientStatus(t *testing.T) {
	c := &Client{}

	if c.IsReady() {
		t.Error("Expected uninitialized client to not be ready")
	}
	if c.IsLoggedIn() {
		t.Error("Expected uninitialized client to not be logged in")
	}
	if got := c.Identity(); got != "" {
		t.Errorf("Expected empty identity, got %q", got)
	}
	if err := c.Logout(context.Background()); err == nil {
		t.Error("Expected error logging out uninitialized client")
	}
}
