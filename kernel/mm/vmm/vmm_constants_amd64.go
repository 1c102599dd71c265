package vmm

var (
	// paging holds the paging characteristics of the amd64 architecture:
	// 4 levels of 512-entry tables translating 48 bits of virtual
	// address, with direct leaf mappings allowed up to level 2 (2Mb huge
	// pages).
	paging = pagingConsts{
		nrLevels:         4,
		highestLeafLevel: 2,
		vaWidth:          48,
	}

	// codec translates between the semantic entry view and the amd64
	// hardware bit pattern.
	codec pteCodec = x86Codec{}
)
