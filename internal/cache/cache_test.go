package cache

import "testing"

func TestParseArgsRequiresExactlyOneBackend(t *testing.T) {
	if _, err := ParseArgs([]byte(`{}`)); err == nil {
		t.Fatal("expected an error when no backend is named")
	}
	if _, err := ParseArgs([]byte(`{"filesystem":{"dir":"/tmp/x"},"http":{"endpoint":"http://x"}}`)); err == nil {
		t.Fatal("expected an error when more than one backend is named")
	}
}

func TestParseArgsFilesystem(t *testing.T) {
	args, err := ParseArgs([]byte(`{"filesystem":{"dir":"/tmp/lfs-cache"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if args.Filesystem == nil || args.Filesystem.Dir != "/tmp/lfs-cache" {
		t.Fatalf("got %+v", args)
	}
	if args.GoogleCloudStorage != nil || args.HTTP != nil {
		t.Fatalf("expected only the filesystem backend to be populated, got %+v", args)
	}
}

func TestParseArgsRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseArgs([]byte(`not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
