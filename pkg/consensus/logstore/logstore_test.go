package logstore

import (
    "errors"
    "testing"

    "github.com/stretchr/testify/require"

    c "github.com/amirimatin/go-raftdb/pkg/consensus"
)

func stores(t *testing.T) map[string]Store {
    t.Helper()
    b, err := OpenBolt(t.TempDir())
    require.NoError(t, err)
    t.Cleanup(func() { _ = b.Close() })
    return map[string]Store{"memory": NewMemory(), "bolt": b}
}

func seq(terms ...c.Term) []c.LogEntry {
    out := make([]c.LogEntry, len(terms))
    for i, t := range terms {
        out[i] = c.LogEntry{Term: t, Index: c.LogIndex(i + 1), Payload: []byte{byte(i)}, Leader: "n1"}
    }
    return out
}

func TestStore_AppendAndRead(t *testing.T) {
    for name, s := range stores(t) {
        t.Run(name, func(t *testing.T) {
            require.Equal(t, c.LogIndex(0), s.LastIndex())
            tt, err := s.TermAt(0)
            require.NoError(t, err)
            require.Equal(t, c.Term(0), tt)

            require.NoError(t, s.Append(seq(1, 1, 2)...))
            require.Equal(t, c.LogIndex(3), s.LastIndex())
            require.Equal(t, c.Term(2), s.LastTerm())

            e, err := s.Entry(2)
            require.NoError(t, err)
            require.Equal(t, c.Term(1), e.Term)
            require.Equal(t, []byte{1}, e.Payload)
            require.Equal(t, c.NodeID("n1"), e.Leader)

            _, err = s.Entry(4)
            require.True(t, errors.Is(err, ErrNotFound))

            got, err := s.Entries(2, 10)
            require.NoError(t, err)
            require.Len(t, got, 2)
            require.Equal(t, c.LogIndex(3), got[1].Index)
        })
    }
}

func TestStore_RejectsGap(t *testing.T) {
    for name, s := range stores(t) {
        t.Run(name, func(t *testing.T) {
            err := s.Append(c.LogEntry{Term: 1, Index: 2})
            require.True(t, errors.Is(err, ErrGap))
            require.Equal(t, c.LogIndex(0), s.LastIndex())
        })
    }
}

func TestStore_TruncateFrom(t *testing.T) {
    for name, s := range stores(t) {
        t.Run(name, func(t *testing.T) {
            require.NoError(t, s.Append(seq(1, 1, 2, 2, 3)...))
            require.NoError(t, s.TruncateFrom(3))
            require.Equal(t, c.LogIndex(2), s.LastIndex())
            require.Equal(t, c.Term(1), s.LastTerm())
            // beyond the end is a no-op
            require.NoError(t, s.TruncateFrom(9))
            require.Equal(t, c.LogIndex(2), s.LastIndex())
            // the log continues from the cut
            require.NoError(t, s.Append(c.LogEntry{Term: 4, Index: 3, Kind: c.EntryNoop}))
            e, err := s.Entry(3)
            require.NoError(t, err)
            require.Equal(t, c.EntryNoop, e.Kind)
            require.Equal(t, c.Term(4), e.Term)
        })
    }
}

func TestStore_HardStateAndConfiguration(t *testing.T) {
    for name, s := range stores(t) {
        t.Run(name, func(t *testing.T) {
            hs, err := s.HardState()
            require.NoError(t, err)
            require.Equal(t, HardState{}, hs)
            conf, err := s.Configuration()
            require.NoError(t, err)
            require.Empty(t, conf)

            require.NoError(t, s.SetHardState(HardState{Term: 7, VotedFor: "n3"}))
            require.NoError(t, s.SetConfiguration([]byte(`{"voters":[]}`)))
            hs, err = s.HardState()
            require.NoError(t, err)
            require.Equal(t, HardState{Term: 7, VotedFor: "n3"}, hs)
            conf, err = s.Configuration()
            require.NoError(t, err)
            require.Equal(t, `{"voters":[]}`, string(conf))
        })
    }
}

func TestFirstIndexOfTerm(t *testing.T) {
    s := NewMemory()
    require.NoError(t, s.Append(seq(1, 1, 2, 2, 2, 4)...))

    i, err := FirstIndexOfTerm(s, 2, 5)
    require.NoError(t, err)
    require.Equal(t, c.LogIndex(3), i)

    i, err = FirstIndexOfTerm(s, 3, 5)
    require.NoError(t, err)
    require.Equal(t, c.LogIndex(0), i)

    i, err = FindFirstIndexOfTerm(s, 2)
    require.NoError(t, err)
    require.Equal(t, c.LogIndex(3), i)

    i, err = FindFirstIndexOfTerm(s, 3)
    require.NoError(t, err)
    require.Equal(t, c.LogIndex(0), i)
}

func TestBolt_SurvivesReopen(t *testing.T) {
    dir := t.TempDir()
    b, err := OpenBolt(dir)
    require.NoError(t, err)
    require.NoError(t, b.Append(seq(1, 2, 2)...))
    require.NoError(t, b.SetHardState(HardState{Term: 2, VotedFor: "n1"}))
    require.NoError(t, b.Close())

    b, err = OpenBolt(dir)
    require.NoError(t, err)
    defer b.Close()
    require.Equal(t, c.LogIndex(3), b.LastIndex())
    require.Equal(t, c.Term(2), b.LastTerm())
    hs, err := b.HardState()
    require.NoError(t, err)
    require.Equal(t, c.Term(2), hs.Term)
    require.Equal(t, c.NodeID("n1"), hs.VotedFor)
}
