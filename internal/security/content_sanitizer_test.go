package security

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	sanitizer := NewContentSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "こんにちは", "こんにちは"},
		{"前後の空白を除去", "  hi  ", "hi"},
		{"scriptタグを中身ごと除去", `see<script>alert(1)</script> you`, "see you"},
		{"装飾タグは除去してテキストを残す", "<b>bold</b> move", "bold move"},
		{"イベント属性付きタグを除去", `<img src=x onerror="alert(1)">photo`, "photo"},
		{"アンパサンドはエスケープせずに残す", "Tom & Jerry", "Tom & Jerry"},
		{"タグのみの入力は空になる", "<p></p>", ""},
		{"エンコードされたscriptタグも除去", "&lt;script&gt;alert(1)&lt;/script&gt;", ""},
		{"エンコードされたイベント属性付きタグも除去", "&lt;img src=x onerror=alert(1)&gt;photo", "photo"},
		{"二重エンコードされたタグも除去", "&amp;lt;b&amp;gt;bold&amp;lt;/b&amp;gt;", "bold"},
		{"タグでない不等号は残す", "a < b", "a < b"},
		{"収束しない多重エンコードは空になる", "&amp;amp;amp;amp;amp;amp;amp;amp;amp;lt;b&gt;", ""},
		{"空文字列", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestSanitize_Idempotent はサニタイズ済みの本文を再度サニタイズしても変化しないことを検証する。
func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewContentSanitizer()

	inputs := []string{
		`<a href="javascript:alert(1)">click</a> &amp; go`,
		"&lt;script&gt;alert(1)&lt;/script&gt;",
		"&lt;img src=x onerror=alert(1)&gt;",
		"&amp;lt;i&amp;gt;x",
		"Tom & Jerry",
		"  <b>旅行</b> &lt;3  ",
	}

	for _, input := range inputs {
		first := sanitizer.Sanitize(input)
		if again := sanitizer.Sanitize(input); again != first {
			t.Errorf("Sanitize(%q) is not deterministic: %q != %q", input, first, again)
		}
		if second := sanitizer.Sanitize(first); second != first {
			t.Errorf("Sanitize(Sanitize(%q)) = %q, want %q", input, second, first)
		}
		if strings.Contains(first, "<script") || strings.Contains(first, "<img") {
			t.Errorf("Sanitize(%q) = %q still contains markup", input, first)
		}
	}
}
