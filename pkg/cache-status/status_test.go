package cachestatus

import "testing"

func TestString(t *testing.T) {
	tests := []struct {
		name string
		cs   func() CacheStatus
		want string
	}{
		{
			name: "hit",
			cs: func() CacheStatus {
				cs := New("AppCache")
				cs.Hit()
				return cs
			},
			want: "AppCache; hit",
		},
		{
			name: "stored miss",
			cs: func() CacheStatus {
				cs := New("AppCache")
				cs.Forward(FwdUriMiss)
				cs.FwdStatus = 200
				cs.Stored = true
				return cs
			},
			want: "AppCache; fwd=uri-miss; fwd-status=200; stored",
		},
		{
			name: "bypass with detail",
			cs: func() CacheStatus {
				cs := New("AppCache")
				cs.Forward(FwdBypass)
				cs.Detail = "cross-origin"
				return cs
			},
			want: "AppCache; fwd=bypass; detail=cross-origin",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cs().String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
