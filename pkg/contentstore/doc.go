/*
Package contentstore provides immutable blob storage for asset payloads.

Content is written once at registration time and dereferenced by the
publish executor for every attempt; handles therefore stay stable for the
full lifetime of the asset that references them. All backends are
content-addressed by sha256, which makes Save idempotent for identical
bytes and guarantees the reported size equals the bytes persisted.

# Backends

  - fs: sha256-sharded files under a root directory. Handle form
    file:///path/to/root/ab/abcdef…
  - bolt: a content bucket inside a single bbolt file. Handle form
    bolt://abcdef…
  - s3: objects under content/ in a bucket. Handle form
    s3://bucket/content/abcdef…

The backend is selected by the content_backend config key; New builds the
right implementation behind the Store interface.

# Guarantees

  - Content is immutable once saved.
  - Open returns types.ErrNotFound (wrapped) for absent content.
  - Delete is idempotent; deleting absent content is not an error.

# Integration Points

  - pkg/service: saves payloads during Register
  - pkg/publisher: opens payloads for each publish attempt
*/
package contentstore
