package store

import "fmt"

// Key builders for the Redis store. Every entity lives at its own key and is
// tracked in a per-type index set so lists stay O(n) in entity count.

func (r *Redis) keySub(id string) string      { return fmt.Sprintf("%s:sub:%s", r.prefix, id) }
func (r *Redis) keyAlert(id string) string    { return fmt.Sprintf("%s:alert:%s", r.prefix, id) }
func (r *Redis) keyAuto(id string) string     { return fmt.Sprintf("%s:auto:%s", r.prefix, id) }
func (r *Redis) keyPM(id string) string       { return fmt.Sprintf("%s:pm:%s", r.prefix, id) }
func (r *Redis) keyCopy(id string) string     { return fmt.Sprintf("%s:copy:%s", r.prefix, id) }
func (r *Redis) keyDetected(id string) string { return fmt.Sprintf("%s:detected:%s", r.prefix, id) }
func (r *Redis) keyExecuted(id string) string { return fmt.Sprintf("%s:executed:%s", r.prefix, id) }

func (r *Redis) keyState() string { return r.prefix + ":state" }

func (r *Redis) idxSubs() string     { return r.prefix + ":idx:subs" }
func (r *Redis) idxAlerts() string   { return r.prefix + ":idx:alerts" }
func (r *Redis) idxAutos() string    { return r.prefix + ":idx:autos" }
func (r *Redis) idxPMs() string      { return r.prefix + ":idx:pms" }
func (r *Redis) idxCopiers() string  { return r.prefix + ":idx:copiers" }
func (r *Redis) idxDetected() string { return r.prefix + ":idx:detected" }
