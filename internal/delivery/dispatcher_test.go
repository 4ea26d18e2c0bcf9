package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records every batch call and can fail selected batches
type fakeTransport struct {
	mu          sync.Mutex
	maxBatch    int
	failBatches map[int]error // 1-based batch index
	calls       [][]Personalization
	subjects    []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{maxBatch: 1000, failBatches: map[int]error{}}
}

func (f *fakeTransport) SendBatch(_ context.Context, msg *Message, persons []Personalization) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, persons)
	f.subjects = append(f.subjects, msg.Subject)
	if err, ok := f.failBatches[len(f.calls)]; ok {
		return nil, err
	}
	return &Result{Accepted: len(persons), MessageID: fmt.Sprintf("msg-%d", len(f.calls))}, nil
}

func (f *fakeTransport) MaxBatchSize() int { return f.maxBatch }

// fakeProgressStore captures progress writes for monotonicity checks
type fakeProgressStore struct {
	mu          sync.Mutex
	progress    []int
	sentWrites  []int
	batchLogs   int
	failedLogs  int
}

func (f *fakeProgressStore) UpdateSendProgress(_ context.Context, _ uuid.UUID, sent, _, pct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, pct)
	f.sentWrites = append(f.sentWrites, sent)
	return nil
}

func (f *fakeProgressStore) LogSendBatch(_ context.Context, _ uuid.UUID, _, _, failed int, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchLogs++
	if failed > 0 {
		f.failedLogs++
	}
	return nil
}

func makeRecipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{SubscriberID: uuid.New(), Email: fmt.Sprintf("r%d@example.com", i)}
	}
	return out
}

func testMessage() *Message {
	return &Message{
		NewsletterID: uuid.New(),
		SendRecordID: uuid.New(),
		Subject:      "Hello",
		FromEmail:    "team@example.com",
		HTML:         "<html>{{unsubscribe_url}}</html>",
	}
}

func TestDispatchChunking(t *testing.T) {
	transport := newFakeTransport()
	store := &fakeProgressStore{}
	d := NewDispatcher(transport, store, nil, 100, 0)

	result := d.Dispatch(context.Background(), testMessage(), makeRecipients(250))

	assert.Equal(t, 250, result.Sent)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, result.Errors)
	require.Len(t, transport.calls, 3)
	assert.Len(t, transport.calls[0], 100)
	assert.Len(t, transport.calls[1], 100)
	assert.Len(t, transport.calls[2], 50)
}

func TestDispatchFailedChunkDoesNotStopIteration(t *testing.T) {
	transport := newFakeTransport()
	transport.failBatches[2] = errors.New("provider 503")
	store := &fakeProgressStore{}
	d := NewDispatcher(transport, store, nil, 100, 0)

	result := d.Dispatch(context.Background(), testMessage(), makeRecipients(250))

	assert.Equal(t, 150, result.Sent)
	assert.Equal(t, 100, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "batch 2")
	// Chunk 3 still attempted
	assert.Len(t, transport.calls, 3)
	assert.Equal(t, 1, store.failedLogs)
	assert.Equal(t, 3, store.batchLogs)
}

func TestDispatchProgressIsMonotone(t *testing.T) {
	transport := newFakeTransport()
	store := &fakeProgressStore{}
	d := NewDispatcher(transport, store, nil, 100, 0)

	d.Dispatch(context.Background(), testMessage(), makeRecipients(250))

	require.Len(t, store.progress, 3)
	assert.Equal(t, 40, store.progress[0])
	assert.Equal(t, 80, store.progress[1])
	assert.Equal(t, 100, store.progress[2])
	for i := 1; i < len(store.progress); i++ {
		assert.GreaterOrEqual(t, store.progress[i], store.progress[i-1])
	}
}

func TestDispatchGroupOffsetsProgressByPriorCounts(t *testing.T) {
	transport := newFakeTransport()
	store := &fakeProgressStore{}
	d := NewDispatcher(transport, store, nil, 25, 0)

	prior := DispatchResult{Sent: 45, Failed: 5}
	result := d.DispatchGroup(context.Background(), testMessage(), makeRecipients(50), prior, 100)

	// The returned result covers this group only
	assert.Equal(t, 50, result.Sent)
	assert.Equal(t, 0, result.Failed)

	// Persisted counts continue from the prior groups
	assert.Equal(t, []int{70, 95}, store.sentWrites)
	assert.Equal(t, []int{75, 100}, store.progress)
}

func TestDispatchEmptyRecipients(t *testing.T) {
	transport := newFakeTransport()
	d := NewDispatcher(transport, &fakeProgressStore{}, nil, 100, 0)

	result := d.Dispatch(context.Background(), testMessage(), nil)
	assert.Zero(t, result.Sent)
	assert.Zero(t, result.Failed)
	assert.Empty(t, transport.calls)
}

func TestDispatchClampsBatchSizeToTransportMax(t *testing.T) {
	transport := newFakeTransport()
	transport.maxBatch = 50
	d := NewDispatcher(transport, &fakeProgressStore{}, nil, 100, 0)

	d.Dispatch(context.Background(), testMessage(), makeRecipients(120))
	require.Len(t, transport.calls, 3)
	assert.Len(t, transport.calls[0], 50)
}

func TestDispatchPersonalizationCarriesCorrelationIDs(t *testing.T) {
	transport := newFakeTransport()
	signer := NewLinkSigner("https://news.example.com", "key")
	d := NewDispatcher(transport, &fakeProgressStore{}, signer, 100, 0)

	msg := testMessage()
	recipients := makeRecipients(1)
	recipients[0].FirstName = "Ada"
	d.Dispatch(context.Background(), msg, recipients)

	require.Len(t, transport.calls, 1)
	p := transport.calls[0][0]
	assert.Equal(t, recipients[0].Email, p.Email)
	assert.Equal(t, "Ada", p.Substitutions["first_name"])
	assert.Equal(t, msg.NewsletterID.String(), p.CustomArgs["newsletter_id"])
	assert.Equal(t, msg.SendRecordID.String(), p.CustomArgs["send_record_id"])
	assert.Equal(t, recipients[0].SubscriberID.String(), p.CustomArgs["subscriber_id"])
	assert.Contains(t, p.Substitutions["unsubscribe_url"], "https://news.example.com/u/")
}

func TestLinkSignerVerify(t *testing.T) {
	signer := NewLinkSigner("https://news.example.com", "key")
	nlID, subID := uuid.New(), uuid.New()

	url := signer.UnsubscribeURL(nlID, subID)
	parts := splitPath(url)
	require.Len(t, parts, 2)

	fields, err := signer.Verify(parts[0], parts[1])
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "u", fields[0])
	assert.Equal(t, nlID.String(), fields[1])
	assert.Equal(t, subID.String(), fields[2])

	// Tampered signature rejected
	_, err = signer.Verify(parts[0], "0000000000000000")
	assert.Error(t, err)
}

// splitPath pulls the encoded payload and signature out of a signed URL
func splitPath(url string) []string {
	idx := -1
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			idx = i
			break
		}
	}
	sig := url[idx+1:]
	rest := url[:idx]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '/' {
			return []string{rest[i+1:], sig}
		}
	}
	return nil
}
