// Package queue layers named FIFO queues over an engine.Engine.
//
//	<- pop |Front|-----------------|Back|  <- push
//
// Each queue is a df.QueueMeta record plus one key per message, numbered
// by position. Push and pop read the meta record and commit the message
// and the new meta together, conditioned on the meta they read; a lost
// race is retried. Messages are processed strictly in order, every queue
// independently.
package queue

import (
	"context"

	"github.com/cockroachdb/errors"

	"dragonfabric/df"
	"dragonfabric/engine"
)

type Store struct {
	eng   engine.Engine
	retry df.RetryPolicy
}

func New(eng engine.Engine, retry df.RetryPolicy) *Store {
	return &Store{eng: eng, retry: retry}
}

// meta loads the queue state together with the raw bytes it was decoded
// from, which the commit is conditioned on (nil for a new queue).
func (s *Store) meta(ctx context.Context, name []byte) (df.QueueMeta, []byte, error) {
	d, found, err := s.eng.Get(ctx, df.QueueMetaKey(name))
	if err != nil {
		return df.QueueMeta{}, nil, err
	}
	if !found {
		return df.NewQueueMeta(), nil, nil
	}
	var q df.QueueMeta
	if _, err := q.UnmarshalMsg(d); err != nil {
		return df.QueueMeta{}, nil, errors.Wrapf(err, "corrupt meta of queue %x", name)
	}
	return q, d, nil
}

// Push appends value to the tail of the queue, creating it on first use.
func (s *Store) Push(ctx context.Context, name, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.retry.Do(ctx, func(ctx context.Context) error {
		q, raw, err := s.meta(ctx, name)
		if err != nil {
			return err
		}
		q.Back++
		d, err := q.MarshalMsg(nil)
		if err != nil {
			return err
		}
		ok, err := s.eng.Commit(ctx, []engine.Mutation{
			engine.Put(df.QueueMsgKey(name, q.Back), value),
			engine.Put(df.QueueMetaKey(name), d).If(raw),
		})
		if err != nil {
			return err
		}
		if !ok {
			return df.ErrConflict
		}
		return nil
	})
}

// Pop removes and returns the head of the queue. An empty or unknown queue
// returns found == false; Pop never waits for a push.
func (s *Store) Pop(ctx context.Context, name []byte) (value []byte, found bool, err error) {
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		value, found = nil, false
		q, raw, err := s.meta(ctx, name)
		if err != nil {
			return err
		}
		if q.Len() <= 0 {
			return nil
		}
		msgKey := df.QueueMsgKey(name, q.Front)
		v, ok, err := s.eng.Get(ctx, msgKey)
		if err != nil {
			return err
		}
		if !ok {
			// only a pop that also moved Front can delete the head
			return df.ErrConflict
		}
		q.Front++
		d, err := q.MarshalMsg(nil)
		if err != nil {
			return err
		}
		ok, err = s.eng.Commit(ctx, []engine.Mutation{
			engine.Del(msgKey),
			engine.Put(df.QueueMetaKey(name), d).If(raw),
		})
		if err != nil {
			return err
		}
		if !ok {
			return df.ErrConflict
		}
		value, found = v, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// Len returns the number of messages waiting in the queue.
func (s *Store) Len(ctx context.Context, name []byte) (int64, error) {
	q, _, err := s.meta(ctx, name)
	if err != nil {
		return 0, err
	}
	return q.Len(), nil
}
