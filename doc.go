/*
Package kvtab implements typed tables with secondary indexes on top of any
ordered key-value store.

We implement:

1. Tables, collections of structs stored under order-preserving encodings of
their primary keys. Keys are derived from the record, taken from a per-table
auto-increment counter, or generated UUIDs.

2. Indexes, mapping an extracted value to the primary keys of the records
that have it. Indexes may be unique. Foreign keys are indexes over Ref values.

3. Storage backends: an in-memory store, Bolt, DynamoDB and S3 (see the
dynamostore and s3store packages), plus a layered composer that stacks them
into a cache hierarchy.

# Technical Details

**Subtables.**
Every key starts with the table id byte and a subtable byte. Subtable 0 holds
records, 1 holds metadata (the counter and the table state), and 2 and up hold
index entries. A backend only needs to provide ordered prefix scans.

	record       id 0x00 [scatter hash] pk
	meta         id 0x01 name
	index entry  id tag  enc(value) pk    => pk

**Key encoding.**
Integers are fixed-width big-endian (signed ones with the sign bit flipped),
strings and byte slices escape 0x00 as 00 FF and end with 00 01, so that byte
order matches value order and no encoding is a prefix of another. Structs are
encoded as the concatenation of their exported fields.

**Table state.**
We store a meta document per table holding the tag of every declared index.
When an index disappears or changes its tag, its entries are purged; new
indexes are built from the existing records when the DB is opened.

**Transactions.**
A Tx collects mutations of several records and validates them together at
Commit, each one seeing the ops of those before it. The ops go to the
storage as one WriteBatch when the backend supports it.

**Value**: uvarint flags (format version, serializer, compression), then the
uncompressed size if compressed, then the serialized record.
*/
package kvtab
