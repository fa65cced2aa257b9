// Package cache provides a Redis map whose entries expire one by one, and the
// scheduler that prunes them. Expiry is enforced on read; the physical removal
// runs in the background at a pace that follows how much each pass found.
package cache
