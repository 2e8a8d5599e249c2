package blob

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		raw    string
		kind   LocationKind
		key    string
		bucket string
		path   string
	}{
		{raw: "voice-uploads/audio/u1/2024/01/15/abc_rec.webm", kind: LocationBareKey, key: "voice-uploads/audio/u1/2024/01/15/abc_rec.webm"},
		{raw: "  audio/u1/x.webm  ", kind: LocationBareKey, key: "audio/u1/x.webm"},
		{raw: "archive://bucket/audio/u1/x.webm", kind: LocationArchiveURI, key: "audio/u1/x.webm", bucket: "bucket"},
		{raw: "s3://media/voice-uploads/text/u1/t.txt", kind: LocationArchiveURI, key: "voice-uploads/text/u1/t.txt", bucket: "media"},
		{raw: "/tmp/staging/rec.wav", kind: LocationLocalPath, path: "/tmp/staging/rec.wav"},
		{raw: "file:///tmp/staging/rec.wav", kind: LocationLocalPath, path: "/tmp/staging/rec.wav"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			loc := Classify(tt.raw, "")
			if loc.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v (err %v)", loc.Kind, tt.kind, loc.Err)
			}
			if loc.Key != tt.key {
				t.Errorf("Key = %q, want %q", loc.Key, tt.key)
			}
			if loc.Bucket != tt.bucket {
				t.Errorf("Bucket = %q, want %q", loc.Bucket, tt.bucket)
			}
			if loc.Path != tt.path {
				t.Errorf("Path = %q, want %q", loc.Path, tt.path)
			}
		})
	}
}

func TestClassify_Rejected(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"", ErrInvalidKey},
		{"   ", ErrInvalidKey},
		{"https://example.com/rec.webm", ErrUnsupportedLocation},
		{"HTTP://example.com/rec.webm", ErrUnsupportedLocation},
		{"ftp://host/rec.webm", ErrUnsupportedLocation},
		{"archive://bucket/", ErrInvalidKey},
		{"audio/../secret", ErrInvalidKey},
		{"audio//x.webm", ErrInvalidKey},
		{"audio\\x.webm", ErrInvalidKey},
		{"audio/x\n.webm", ErrInvalidKey},
	}
	for _, tt := range tests {
		loc := Classify(tt.raw, "")
		if loc.Kind != LocationRejected {
			t.Errorf("Classify(%q).Kind = %v, want rejected", tt.raw, loc.Kind)
			continue
		}
		if !errors.Is(loc.Err, tt.want) {
			t.Errorf("Classify(%q).Err = %v, want %v", tt.raw, loc.Err, tt.want)
		}
	}
}

func TestNormalize_RoundTrip(t *testing.T) {
	keys := []string{
		"audio/u1/x.webm",
		"voice-uploads/audio/u1/2024/01/15/1f0e_rec.webm",
		"voice-uploads/text/u1/2024/01/15/1f0e_note.txt",
	}
	for _, k := range keys {
		got, err := Normalize(k, "bucket")
		if err != nil || got != k {
			t.Errorf("Normalize(%q) = %q, %v; want unchanged", k, got, err)
		}
		got, err = Normalize("archive://bucket/"+k, "bucket")
		if err != nil || got != k {
			t.Errorf("Normalize(archive://bucket/%s) = %q, %v; want %q", k, got, err, k)
		}
	}
}

func TestNormalize_RejectsLocalPaths(t *testing.T) {
	_, err := Normalize("/var/tmp/rec.webm", "")
	if !errors.Is(err, ErrUnsupportedLocation) {
		t.Fatalf("err = %v, want ErrUnsupportedLocation", err)
	}
}

func TestNormalize_RejectsWebURL(t *testing.T) {
	_, err := Normalize("https://cdn.example.com/audio/u1/x.webm", "")
	if !errors.Is(err, ErrUnsupportedLocation) {
		t.Fatalf("err = %v, want ErrUnsupportedLocation", err)
	}
}

func TestClassify_ForeignBucket(t *testing.T) {
	loc := Classify("archive://other-bucket/audio/u1/x.webm", "media")
	if loc.Kind != LocationRejected || !errors.Is(loc.Err, ErrUnsupportedLocation) {
		t.Fatalf("Classify = %v, %v; want rejected ErrUnsupportedLocation", loc.Kind, loc.Err)
	}
	loc = Classify("s3://media/audio/u1/x.webm", "media")
	if loc.Kind != LocationArchiveURI || loc.Key != "audio/u1/x.webm" {
		t.Errorf("same bucket: Classify = %v %q, %v", loc.Kind, loc.Key, loc.Err)
	}
	if _, err := Normalize("archive://other-bucket/audio/u1/x.webm", "media"); !errors.Is(err, ErrUnsupportedLocation) {
		t.Errorf("Normalize err = %v, want ErrUnsupportedLocation", err)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf("voice-uploads/text/u1/2024/01/15/x_note.txt"); got != KindText {
		t.Errorf("KindOf(text key) = %q", got)
	}
	if got := KindOf("voice-uploads/audio/u1/2024/01/15/x_rec.webm"); got != KindAudio {
		t.Errorf("KindOf(audio key) = %q", got)
	}
	if got := KindOf("misc/thing.bin"); got != KindAudio {
		t.Errorf("KindOf(unknown) = %q, want audio", got)
	}
}
