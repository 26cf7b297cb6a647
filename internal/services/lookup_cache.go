package services

import (
	lru "github.com/hashicorp/golang-lru"
)

// LookupCache remembers contact ids by canonical key and thread ids by
// channel id. It only saves round-trips: every hit is re-read from the store
// and verified, and a nil *LookupCache disables caching.
type LookupCache struct {
	contacts *lru.Cache
	threads  *lru.Cache
}

// NewLookupCache creates a cache holding up to size entries per kind
func NewLookupCache(size int) (*LookupCache, error) {
	if size <= 0 {
		size = 1024
	}
	contacts, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	threads, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &LookupCache{contacts: contacts, threads: threads}, nil
}

func (c *LookupCache) ContactID(phone string) (uint, bool) {
	if c == nil {
		return 0, false
	}
	v, ok := c.contacts.Get(phone)
	if !ok {
		return 0, false
	}
	return v.(uint), true
}

func (c *LookupCache) PutContact(phone string, id uint) {
	if c == nil || id == 0 {
		return
	}
	c.contacts.Add(phone, id)
}

func (c *LookupCache) ForgetContact(phone string) {
	if c == nil {
		return
	}
	c.contacts.Remove(phone)
}

func (c *LookupCache) ThreadID(channelThreadID string) (uint, bool) {
	if c == nil {
		return 0, false
	}
	v, ok := c.threads.Get(channelThreadID)
	if !ok {
		return 0, false
	}
	return v.(uint), true
}

func (c *LookupCache) PutThread(channelThreadID string, id uint) {
	if c == nil || id == 0 || channelThreadID == "" {
		return
	}
	c.threads.Add(channelThreadID, id)
}

func (c *LookupCache) ForgetThread(channelThreadID string) {
	if c == nil {
		return
	}
	c.threads.Remove(channelThreadID)
}

// Purge drops every entry
func (c *LookupCache) Purge() {
	if c == nil {
		return
	}
	c.contacts.Purge()
	c.threads.Purge()
}
