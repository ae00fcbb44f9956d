package csblob

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperBlobRoundTrip(t *testing.T) {
	ent := []byte("<plist><dict/></plist>")
	req := []byte{0, 0, 0, 1}
	blob := marshalSuperBlob(csEmbeddedSignature, []superItem{
		newSuperItem(csEntitlement, ent),
		newSuperItem(csRequirements, req),
	})
	magic, items, err := parseSuper(blob)
	require.NoError(t, err)
	assert.Equal(t, csEmbeddedSignature, magic)
	require.Len(t, items, 2)
	assert.Equal(t, csEntitlement, items[0].magic)
	assert.Equal(t, uint32(cdEntitlementSlot), items[0].slot)
	require.GreaterOrEqual(t, len(items[0].data), 8)
	assert.Equal(t, ent, items[0].data[8:])
	assert.Equal(t, uint32(len(ent)+8), binary.BigEndian.Uint32(items[0].data[4:]))
	assert.Equal(t, csRequirements, items[1].magic)
	assert.Equal(t, uint32(cdRequirementsSlot), items[1].slot)
}

func TestParseSuperBad(t *testing.T) {
	_, _, err := parseSuper([]byte{1, 2, 3})
	assert.Error(t, err)

	// item count that does not fit in the blob
	bad := make([]byte, 12)
	binary.BigEndian.PutUint32(bad[0:], uint32(csEmbeddedSignature))
	binary.BigEndian.PutUint32(bad[4:], 12)
	binary.BigEndian.PutUint32(bad[8:], 1000000)
	_, _, err = parseSuper(bad)
	assert.Error(t, err)
}

func TestStapleTicket(t *testing.T) {
	blob := marshalSuperBlob(csEmbeddedSignature, []superItem{
		newSuperItem(csEntitlement, []byte("ent")),
	})
	ticket := []byte("ticket-one")
	stapled, err := StapleTicket(blob, ticket)
	require.NoError(t, err)
	sig, err := Parse(stapled)
	require.NoError(t, err)
	assert.Equal(t, ticket, sig.NotaryTicket)
	// the other items survive
	assert.Equal(t, []byte("ent"), sig.Entitlement[8:])

	// stapling again replaces the old ticket instead of stacking
	ticket2 := []byte("ticket-two")
	stapled2, err := StapleTicket(stapled, ticket2)
	require.NoError(t, err)
	sig2, err := Parse(stapled2)
	require.NoError(t, err)
	assert.Equal(t, ticket2, sig2.NotaryTicket)
	_, items, err := parseSuper(stapled2)
	require.NoError(t, err)
	var tickets int
	for _, item := range items {
		if item.slot == cdTicketSlot {
			tickets++
		}
	}
	assert.Equal(t, 1, tickets)
}

func TestStapleTicketBadBlob(t *testing.T) {
	_, err := StapleTicket([]byte("not a superblob"), []byte("ticket"))
	assert.Error(t, err)
}
