package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestUnpack_Classification(t *testing.T) {
	data := buildZip(t, map[string]string{
		"4012345678.xml":           `<Invoice><ID>1</ID></Invoice>`,
		"semnatura_4012345678.xml": `<Signature/>`,
		"readme.txt":               "ignored",
	})

	b, err := Unpack(data)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if string(b.Invoice) != `<Invoice><ID>1</ID></Invoice>` {
		t.Errorf("unexpected invoice %q", b.Invoice)
	}
	if b.InvoiceName != "4012345678.xml" {
		t.Errorf("unexpected invoice name %q", b.InvoiceName)
	}
	if string(b.Signature) != `<Signature/>` {
		t.Errorf("unexpected signature %q", b.Signature)
	}
	if b.ErrorList != nil {
		t.Errorf("expected no error list, got %q", b.ErrorList)
	}
	if b.ArchiveBytes != len(data) {
		t.Errorf("expected archive size %d, got %d", len(data), b.ArchiveBytes)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		want     kind
	}{
		{"signature by content", "a.xml", `<ds:Signature xmlns:ds="x"/>`, kindSignature},
		{"signature by name", "Signature_1.xml", `<x/>`, kindSignature},
		{"errors by content", "b.xml", `<header><ErrorList/></header>`, kindErrors},
		{"errors by romanian name", "erori_1.xml", `<x/>`, kindErrors},
		{"errors by name", "dir/errors.xml", `<x/>`, kindErrors},
		{"invoice", "123.xml", `<Invoice/>`, kindInvoice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.filename, []byte(tt.content)); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestUnpack_ErrorsOnlyArchive(t *testing.T) {
	data := buildZip(t, map[string]string{
		"9.xml": `<header xmlns="mfp:anaf:dgti:efactura:mesajEroriFactuare:v1"><ErrorList errorMessage="E"/></header>`,
	})

	b, err := Unpack(data)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if b.HasInvoice() {
		t.Error("expected no invoice document")
	}
	if b.ErrorList == nil {
		t.Error("expected error list to be captured")
	}
}

func TestUnpack_Invalid(t *testing.T) {
	if _, err := Unpack([]byte("not a zip")); err == nil {
		t.Fatal("expected error for non-zip payload")
	}

	data := buildZip(t, map[string]string{"notes.txt": "x"})
	if _, err := Unpack(data); !errors.Is(err, ErrNoXML) {
		t.Fatalf("expected ErrNoXML, got %v", err)
	}
}
